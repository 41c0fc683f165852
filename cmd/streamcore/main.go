package main

import (
	"encoding/hex"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/moonparty/streamcore/internal/bridge"
	"github.com/moonparty/streamcore/internal/provision"
)

func main() {
	listenAddr := flag.String("listen", ":8080", "Bridge web server listen address")
	host := flag.String("host", "localhost", "Paired GameStream/Sunshine host address")
	sunshine := flag.Bool("sunshine", true, "Target is a Sunshine host (enables Sunshine wire extensions)")
	appVersionMajor := flag.Int("app-major", 7, "Negotiated GameStream application version major component")
	appVersionMinor := flag.Int("app-minor", 1, "Negotiated GameStream application version minor component")
	controlKeyHex := flag.String("control-key", "", "Hex-encoded 16-byte control stream AES key")
	inputKeyHex := flag.String("input-key", "", "Hex-encoded 16-byte legacy input stream AES key")
	inputIVHex := flag.String("input-iv", "", "Hex-encoded 16-byte legacy input stream AES IV")
	flag.Parse()

	cfg := bridge.DefaultConfig()
	cfg.ListenAddr = *listenAddr
	cfg.Host = *host
	cfg.Sunshine = *sunshine
	cfg.AppVersion = [4]int{*appVersionMajor, *appVersionMinor, 0, 0}

	controlKey, err := hex.DecodeString(*controlKeyHex)
	if err != nil {
		log.Fatalf("invalid -control-key: %v", err)
	}
	inputKey, err := hex.DecodeString(*inputKeyHex)
	if err != nil {
		log.Fatalf("invalid -input-key: %v", err)
	}
	inputIV, err := hex.DecodeString(*inputIVHex)
	if err != nil {
		log.Fatalf("invalid -input-iv: %v", err)
	}

	keySource := func() (provision.KeySource, error) {
		return provision.Static{
			Host:          cfg.Host,
			Version:       cfg.AppVersion,
			Sunshine:      cfg.Sunshine,
			ControlAESKey: controlKey,
			InputAESKey:   inputKey,
			InputAESIV:    inputIV,
		}, nil
	}

	srv := bridge.New(cfg, keySource)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("streamcore: shutting down...")
		srv.Shutdown()
	}()

	log.Printf("streamcore bridging browser sessions to %s", cfg.Host)
	if err := srv.Run(); err != nil && err.Error() != "http: Server closed" {
		log.Fatalf("streamcore: server error: %v", err)
	}
}
