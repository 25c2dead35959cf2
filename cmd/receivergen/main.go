package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/btc_explorer/service"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"
)

// receivergen prints the receiving addresses for EVM_RECEIVER_ADDRESS and
// BITCOIN_RECEIVER_ADDRESS. A new mnemonic is generated unless MNEMONIC is set.
func main() {
	count := flag.Int("count", 1, "number of addresses to derive")
	testnet := flag.Bool("testnet", false, "derive bitcoin testnet addresses")
	flag.Parse()

	_ = godotenv.Load()

	net := &chaincfg.MainNetParams
	if *testnet {
		net = &chaincfg.TestNet3Params
	}

	mnemonic := strings.TrimSpace(os.Getenv("MNEMONIC"))
	if mnemonic == "" {
		var err error
		mnemonic, err = service.NewMnemonic()
		if err != nil {
			log.Fatal("generate mnemonic: ", err)
		}
		fmt.Println("mnemonic (store offline):", mnemonic)
	}

	addrs, err := service.DeriveReceivingAddresses(mnemonic, *count, net)
	if err != nil {
		log.Fatal("derive addresses: ", err)
	}
	for _, a := range addrs {
		fmt.Printf("[%d] evm %s  %s\n", a.Index, a.EVMAddress, a.EVMPath)
		fmt.Printf("    btc %s  %s\n", a.BTCAddress, a.BTCPath)
	}
}
