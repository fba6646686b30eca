package app

import (
	"log"
	"strings"
)

// NormalizeLocalAddr coerces the control API address onto loopback and
// returns the listen address plus its browser URL.
func NormalizeLocalAddr(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(peerDir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Println("Parley peer scope")
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("")
	log.Println(" This process represents ONE peer.")
	log.Println(" The peer folder is the peer's boundary.")
	log.Println(" Different folder/config = different peer.")
	log.Println("────────────────────────────────────────")
}
