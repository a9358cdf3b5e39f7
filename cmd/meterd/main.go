// command meterd is the M-Bus/wM-Bus/LoRa metering telegram receiver: it
// loads a configuration file, opens the configured radio, and runs a
// session that decodes incoming telegrams until interrupted.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"meterbus.dev/config"
	"meterbus.dev/session"
	"meterbus.dev/wmbus/crypto"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meterd: %v\n", err)
		os.Exit(2)
	}
}

// configFlagValue scans the raw argument list for -config/--config ahead
// of the main flag.Parse call, so the YAML file can be loaded first and
// its values used as the defaults every other flag falls back to (the
// pattern config.BindFlags documents: load the file, then let flags
// registered against that loaded Config override it).
func configFlagValue(args []string) string {
	for i, arg := range args {
		switch {
		case arg == "-config" || arg == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(arg, "-config="):
			return strings.TrimPrefix(arg, "-config=")
		case strings.HasPrefix(arg, "--config="):
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return ""
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))

	cfg := config.Default()
	if path := configFlagValue(os.Args[1:]); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	flag.String("config", "", "path to a YAML configuration file")
	apply := config.BindFlags(flag.CommandLine, &cfg)
	flag.Parse()
	apply()

	lookupKey, err := keyLookup(cfg)
	if err != nil {
		return err
	}

	radio, err := openRadio(cfg)
	if err != nil {
		return err
	}

	sess := session.New(radio, lookupKey)
	sess.Start()
	defer sess.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	log.Printf("meterd: listening on %d Hz (%s)", cfg.FrequencyHz, cfg.RadioDriver)
	for {
		select {
		case <-sig:
			log.Printf("meterd: shutting down, %d events dropped", sess.Dropped())
			return nil
		case ev := <-sess.Events():
			logEvent(ev)
		}
	}
}

func logEvent(ev session.ReceiveEvent) {
	switch ev.Kind {
	case session.EventFrameDecoded:
		r := ev.Record
		if r.Value.IsNumeric {
			log.Printf("record: %s %g %s", r.Quantity, r.Value.Numeric, r.Unit)
		} else {
			log.Printf("record: %s %s %s", r.Quantity, r.Value.String, r.Unit)
		}
	case session.EventDeviceSeen:
		d := ev.Device
		log.Printf("device: %s addr=%08x frames=%d", session.ManufacturerCode(d.Manufacturer), d.Address, d.FrameCount)
	case session.EventFrameError:
		log.Printf("error: %v", ev.Err)
	}
}

// keyLookup builds a KeyLookup that derives each device's AES key from
// the configured master key, per §4.6's deterministic derivation. If no
// master key is configured, every lookup fails and encrypted telegrams
// are reported undecoded.
func keyLookup(cfg config.Config) (session.KeyLookup, error) {
	if cfg.MasterKeyHex == "" {
		return func(crypto.DeviceID) ([]byte, bool) { return nil, false }, nil
	}
	master, err := hex.DecodeString(cfg.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("meterd: invalid master-key-hex: %w", err)
	}
	return func(dev crypto.DeviceID) ([]byte, bool) {
		key, err := crypto.DeriveKey(master, dev)
		if err != nil {
			return nil, false
		}
		return key, true
	}, nil
}
