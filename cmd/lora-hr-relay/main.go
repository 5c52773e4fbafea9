// Command lora-hr-relay runs the BLE-to-LoRa heart-rate repeater: it scans
// for and subscribes to a single paired BLE heart rate monitor, forwards
// each measurement over LoRa tagged with a configurable name-map key, and
// answers LoRa queries for its paired device. Configuration and BLE
// provisioning happen through the local GATT service it advertises.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"periph.io/x/periph/host"
	"tinygo.org/x/bluetooth"

	"github.com/tve/lora-hr-relay/codec"
	"github.com/tve/lora-hr-relay/config"
	"github.com/tve/lora-hr-relay/gatt"
	"github.com/tve/lora-hr-relay/hw/sx126x"
	"github.com/tve/lora-hr-relay/radio"
	"github.com/tve/lora-hr-relay/relay"
	"github.com/tve/lora-hr-relay/scan"
)

// Config is the on-disk TOML configuration for the relay binary, following
// the same Config/toml.Decode shape as tve/devices/cmd/mqttradio.
type Config struct {
	Debug       bool
	StorePath   string `toml:"store_path"`
	ModemConfig string `toml:"modem_config"`
	MyAddr      string `toml:"my_addr"` // this node's own BLE MAC, colon-hex, e.g. "aa:bb:cc:dd:ee:ff"

	Pins PinConfig
}

// PinConfig names the SPI bus and control lines (spec §6 pin assignments).
type PinConfig struct {
	SPIPort string
	Busy    string
	Reset   string
	DIO1    string
}

func defaultConfig() Config {
	return Config{
		StorePath:   "/var/lib/lora-hr-relay/store.toml",
		ModemConfig: "bw500sf7cr7",
		Pins: PinConfig{
			SPIPort: "SPI0.0",
			Busy:    "GPIO19",
			Reset:   "GPIO18",
			DIO1:    "GPIO1",
		},
	}
}

func main() {
	help := flag.Bool("help", false, "print usage help")
	configFile := flag.String("config", "lora-hr-relay.toml", "path to config file")
	flag.Parse()

	if *help {
		fmt.Fprintf(os.Stderr, "Usage: %s [-config file]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Known modem configs:\n")
		for name, c := range radio.Configs {
			fmt.Fprintf(os.Stderr, "  %-14s: %s\n", name, c.Info)
		}
		os.Exit(1)
	}

	cfg := defaultConfig()
	if raw, err := os.ReadFile(*configFile); err == nil {
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "cannot parse config file %s: %s\n", *configFile, err)
			os.Exit(1)
		}
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "cannot read config file %s: %s\n", *configFile, err)
		os.Exit(1)
	}

	log := logrus.StandardLogger()
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	logf := radio.LogPrintf(log.Printf)

	if _, err := host.Init(); err != nil {
		log.Fatalf("cannot initialize periph.io host drivers: %s", err)
	}

	store := config.New(cfg.StorePath)
	if err := store.Init(); err != nil {
		// NvsIoError at boot is fatal per the spec's error policy.
		log.Fatalf("cannot initialize persistent store: %s", err)
	}

	params := radio.DefaultParams()
	if applied, ok := radio.ApplyConfig(params, cfg.ModemConfig); ok {
		params = applied
	} else {
		log.Warnf("unknown modem_config %q, using defaults", cfg.ModemConfig)
	}

	transceiver, err := sx126x.Open(sx126x.Pins{
		SPIPort: cfg.Pins.SPIPort,
		Busy:    cfg.Pins.Busy,
		Reset:   cfg.Pins.Reset,
		DIO1:    cfg.Pins.DIO1,
	})
	if err != nil {
		log.Fatalf("cannot open sx126x radio: %s", err)
	}

	radioController := radio.NewController(transceiver, logf)

	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		log.Fatalf("cannot enable BLE adapter: %s", err)
	}

	scanMgr := scan.New(adapter, scan.LogPrintf(log.Printf))
	gattSrv := gatt.New(adapter, gatt.LogPrintf(log.Printf))

	myAddr, err := localAddr(cfg.MyAddr)
	if err != nil {
		log.Fatalf("invalid my_addr in config: %s", err)
	}

	orch := relay.New(store, radioController, scanMgr, gattSrv, myAddr, relay.LogPrintf(log.Printf))

	if err := orch.Start(params); err != nil {
		// HwRadioError at boot: log, delay, reboot per the spec's error
		// policy. Process supervision (systemd Restart=always or
		// equivalent) performs the actual reboot; exiting after the delay
		// hands control back to it.
		log.Errorf("relay startup failed: %s", err)
		time.Sleep(time.Second)
		os.Exit(1)
	}

	log.Infof("lora-hr-relay ready")
	select {}
}

// localAddr parses this node's own BLE address from config, used to decide
// whether a QueryDeviceByMac naming this node specifically should be
// answered. The host BLE stack's own address query is not consistently
// available across backends, so this relay is configured with its address
// explicitly rather than querying it at runtime.
func localAddr(hexAddr string) (codec.Addr, error) {
	if hexAddr == "" {
		return codec.Addr{}, fmt.Errorf("my_addr is required in config")
	}
	mac, err := bluetooth.ParseMAC(hexAddr)
	if err != nil {
		return codec.Addr{}, err
	}
	return codec.Addr(mac), nil
}
