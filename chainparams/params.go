// Package chainparams defines the static per-network constants for the
// Florincoin networks the crawler can scan.
package chainparams

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Network magic numbers. The wire package reads magic little-endian, so the
// on-wire byte sequence fd c0 a5 f1 is the value 0xf1a5c0fd.
const (
	LivenetMagic wire.BitcoinNet = 0xf1a5c0fd
	TestnetMagic wire.BitcoinNet = 0xf105c0fd
)

// ProtocolVersion is the highest peer protocol version the crawler speaks.
// Florincoin nodes negotiate down from here.
const ProtocolVersion uint32 = 70015

// Params holds everything the crawler needs to know about one network: the
// wire parameters (magic, default port, DNS seeds) plus the bootstrap header
// anchor from which header sync begins.
//
// The anchor is a trusted checkpoint. Header batches are only ever requested
// forward of it; validation of anything before (or after) it belongs to the
// external full node.
type Params struct {
	*chaincfg.Params

	// AnchorHash is the block hash header sync bootstraps from.
	AnchorHash *chainhash.Hash
}

var (
	// Livenet is the main Florincoin network.
	Livenet = Params{
		Params: &chaincfg.Params{
			Name:        "livenet",
			Net:         LivenetMagic,
			DefaultPort: "7312",
			DNSSeeds: []chaincfg.DNSSeed{
				{Host: "seed1.florincoin.org"},
				{Host: "flodns.oip.fun"},
				{Host: "flodns.oip.li"},
				{Host: "flodns.seednode.net"},
			},
		},
		AnchorHash: mustHash("2bcd2fb166e58b38a6401bc2f83b3b1b029c24b4cd14b3f516b58eaf7c10a286"),
	}

	// Testnet is the Florincoin test network.
	Testnet = Params{
		Params: &chaincfg.Params{
			Name:        "testnet",
			Net:         TestnetMagic,
			DefaultPort: "17312",
			DNSSeeds: []chaincfg.DNSSeed{
				{Host: "testnet-seed.florincoin.org"},
				{Host: "flodns-testnet.oip.fun"},
			},
		},
		AnchorHash: mustHash("9b7bce58999062b63bfb18586813c42491fa32f4591d8d3043cb4fa9e09f1618"),
	}
)

// FromName resolves a network name from configuration to its Params.
func FromName(name string) (Params, error) {
	switch name {
	case "livenet", "mainnet", "main":
		return Livenet, nil
	case "testnet", "test":
		return Testnet, nil
	default:
		return Params{}, fmt.Errorf("unknown network %q", name)
	}
}

// WithAnchor returns a copy of p with the bootstrap anchor replaced. Used when
// the operator configures a more recent checkpoint than the built-in one.
func (p Params) WithAnchor(h *chainhash.Hash) Params {
	p.AnchorHash = h
	return p
}

func mustHash(s string) *chainhash.Hash {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic(err)
	}
	return h
}
