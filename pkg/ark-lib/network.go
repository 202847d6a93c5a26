package arklib

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

type Network struct {
	Name string
	Addr string
}

var (
	Bitcoin = Network{
		Name: "bitcoin",
		Addr: "ark",
	}
	BitcoinTestNet = Network{
		Name: "testnet",
		Addr: "tark",
	}
	BitcoinSigNet = Network{
		Name: "signet",
		Addr: "tark",
	}
	BitcoinRegTest = Network{
		Name: "regtest",
		Addr: "tark",
	}
)

func NetworkFromString(name string) (Network, error) {
	switch name {
	case Bitcoin.Name, "mainnet":
		return Bitcoin, nil
	case BitcoinTestNet.Name:
		return BitcoinTestNet, nil
	case BitcoinSigNet.Name:
		return BitcoinSigNet, nil
	case BitcoinRegTest.Name:
		return BitcoinRegTest, nil
	default:
		return Network{}, fmt.Errorf("unknown network %s", name)
	}
}

func (n Network) ChainParams() *chaincfg.Params {
	switch n.Name {
	case Bitcoin.Name:
		return &chaincfg.MainNetParams
	case BitcoinTestNet.Name:
		return &chaincfg.TestNet3Params
	case BitcoinSigNet.Name:
		return &chaincfg.SigNetParams
	case BitcoinRegTest.Name:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
