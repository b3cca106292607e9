package main

import "github.com/embernet/ipcore/pkg/common"

// multiCloser fans ip.ConnCloser out to every upper-layer module that holds
// its own connection state, since ip.AddressTable takes exactly one.
type multiCloser []interface {
	CloseConnsFor(host common.IPv4Address)
}

func (m multiCloser) CloseConnsFor(host common.IPv4Address) {
	for _, c := range m {
		c.CloseConnsFor(host)
	}
}
