package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	uuid "github.com/satori/go.uuid"
	"github.com/urfave/cli"

	"github.com/chaz8081/simpleble/internal/ble"
	"github.com/chaz8081/simpleble/internal/ble/protocol"
	"github.com/chaz8081/simpleble/internal/config"
	"github.com/chaz8081/simpleble/internal/platform"
)

// cfg is loaded once in app.Before.
var cfg *config.Config

func main() {
	app := cli.NewApp()
	app.Name = "simpleble"
	app.Usage = "scan for, connect to and talk with a BLE peripheral"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to config file (default: ~/.config/simpleble/config.yaml)",
		},
	}
	app.Before = func(c *cli.Context) (err error) {
		cfg, err = loadConfig(c.GlobalString("config"))
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config validation: %w", err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
		return nil
	}

	deviceFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "service",
			Usage: "only consider devices advertising this service UUID",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "init",
			Usage:  "Write the default config file if none exists",
			Action: initCommand,
		},
		cli.Command{
			Name:  "scan",
			Usage: "List nearby devices",
			Flags: append([]cli.Flag{
				cli.StringFlag{
					Name:  "name",
					Usage: "only list devices with this advertised name",
				},
			}, deviceFlags...),
			Action: scanCommand,
		},
		cli.Command{
			Name:   "paired",
			Usage:  "List devices already paired with the adapter",
			Action: pairedCommand,
		},
		cli.Command{
			Name:      "chars",
			Usage:     "List the characteristics of a device",
			ArgsUsage: "ADDRESS",
			Flags:     deviceFlags,
			Action:    charsCommand,
		},
		cli.Command{
			Name:      "read",
			Usage:     "Read a characteristic",
			ArgsUsage: "ADDRESS SERVICE CHARACTERISTIC",
			Flags:     deviceFlags,
			Action:    readCommand,
		},
		cli.Command{
			Name:      "write",
			Usage:     "Write hex bytes to a characteristic",
			ArgsUsage: "ADDRESS SERVICE CHARACTERISTIC HEX",
			Flags: append([]cli.Flag{
				cli.BoolFlag{
					Name:  "response",
					Usage: "wait for and print the peripheral's reply",
				},
				cli.BoolFlag{
					Name:  "fragment",
					Usage: "split the payload with length-prefixed framing",
				},
				cli.IntFlag{
					Name:  "frame-size",
					Value: protocol.DefaultFrameSize,
					Usage: "frame size used with --fragment",
				},
			}, deviceFlags...),
			Action: writeCommand,
		},
		cli.Command{
			Name:      "listen",
			Usage:     "Subscribe and print inbound messages until interrupted",
			ArgsUsage: "ADDRESS [CHARACTERISTIC...]",
			Flags:     deviceFlags,
			Action:    listenCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		loaded, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return loaded, nil
	}
	return config.Default(), nil
}

func initCommand(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println("Config already exists at", config.DefaultConfigPath())
		return nil
	}
	fmt.Println("Wrote", path)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// newClient builds a started client over the host adapter. BlueZ checks are
// skipped when the system bus is unreachable.
func newClient() (*ble.Client, error) {
	var env ble.Environment
	if z, err := platform.NewBlueZ(cfg.BLE.Adapter); err != nil {
		slog.Warn("[BLE] BlueZ checks unavailable", "error", err)
	} else {
		env = z
	}
	client, err := ble.NewClient(ble.NewTinyGoDriver(), env, cfg.Options())
	if err != nil {
		return nil, err
	}
	if err := client.Start(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func parseUUID(s string) (uuid.UUID, error) {
	u, err := uuid.FromString(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}

func serviceFilter(c *cli.Context) (uuid.UUID, error) {
	if s := c.String("service"); s != "" {
		return parseUUID(s)
	}
	return uuid.Nil, nil
}

// connect scans until address shows up, then connects and discovers its
// services.
func connect(ctx context.Context, c *cli.Context, client *ble.Client, address string) error {
	service, err := serviceFilter(c)
	if err != nil {
		return err
	}
	stream, err := client.DevicesNearby(ctx, service, "")
	if err != nil {
		return err
	}
	matched, err := findAddress(stream.Devices(), address, client.StopScan)
	if err != nil {
		return err
	}
	if err := stream.Err(); err != nil {
		return err
	}
	if matched == "" {
		return ble.NewError(ble.KindDeviceNotFound, address)
	}

	// The scan cache is keyed by the address as the device reported it.
	if err := client.Connect(ctx, matched); err != nil {
		return err
	}
	return client.DiscoverServices(ctx)
}

// findAddress drains devices and returns the reported address of the first
// one matching address case-insensitively, or "" when none did. stop is
// called once on the first match.
func findAddress(devices <-chan ble.Device, address string, stop func() error) (string, error) {
	matched := ""
	for d := range devices {
		if matched != "" || !strings.EqualFold(d.Address, address) {
			continue
		}
		matched = d.Address
		if err := stop(); err != nil {
			return "", err
		}
	}
	return matched, nil
}

// disconnect ends the connection on the way out. The link may already be
// gone, so failures are only logged.
func disconnect(client *ble.Client) {
	if err := client.Disconnect(context.Background()); err != nil {
		slog.Debug("[BLE] disconnect on exit", "error", err)
	}
}

func scanCommand(c *cli.Context) error {
	service, err := serviceFilter(c)
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := signalContext()
	defer cancel()

	devices, err := client.ScanForDevices(ctx, service, c.String("name"))
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%s  %4d dBm  %s\n", d.Address, d.RSSI, d.Name)
	}
	return nil
}

func pairedCommand(c *cli.Context) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	devices, err := client.PairedDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%s  %s\n", d.Address, d.Name)
	}
	return nil
}

func charsCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowCommandHelp(c, "chars")
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := signalContext()
	defer cancel()

	if err := connect(ctx, c, client, c.Args().First()); err != nil {
		return err
	}
	defer disconnect(client)

	chars, err := client.Characteristics()
	if err != nil {
		return err
	}
	for _, ch := range chars {
		fmt.Printf("%s  %s  %s\n", ch.Service, ch.UUID, properties(ch))
	}
	return nil
}

func properties(ch ble.CharacteristicInfo) string {
	var props []string
	for _, p := range []struct {
		flag uint8
		name string
	}{
		{ble.PropertyRead, "read"},
		{ble.PropertyWriteNR, "write-no-response"},
		{ble.PropertyWrite, "write"},
		{ble.PropertyNotify, "notify"},
		{ble.PropertyIndicate, "indicate"},
	} {
		if ch.Properties&p.flag != 0 {
			props = append(props, p.name)
		}
	}
	return strings.Join(props, ",")
}

func readCommand(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.ShowCommandHelp(c, "read")
	}
	service, err := parseUUID(c.Args().Get(1))
	if err != nil {
		return err
	}
	char, err := parseUUID(c.Args().Get(2))
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := signalContext()
	defer cancel()

	if err := connect(ctx, c, client, c.Args().First()); err != nil {
		return err
	}
	defer disconnect(client)

	msg, err := client.Read(ctx, service, char)
	if err != nil {
		return err
	}
	printMessage(msg)
	return nil
}

func writeCommand(c *cli.Context) error {
	if c.NArg() != 4 {
		return cli.ShowCommandHelp(c, "write")
	}
	service, err := parseUUID(c.Args().Get(1))
	if err != nil {
		return err
	}
	char, err := parseUUID(c.Args().Get(2))
	if err != nil {
		return err
	}
	payload, err := hex.DecodeString(c.Args().Get(3))
	if err != nil {
		return fmt.Errorf("invalid hex payload: %w", err)
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := signalContext()
	defer cancel()

	if err := connect(ctx, c, client, c.Args().First()); err != nil {
		return err
	}
	defer disconnect(client)

	switch {
	case c.Bool("fragment"):
		return client.SendFragmented(ctx, service, char, payload, c.Int("frame-size"))
	case c.Bool("response"):
		msg, err := client.SendWithResponse(ctx, service, char, payload)
		if err != nil {
			return err
		}
		printMessage(msg)
		return nil
	default:
		return client.Send(ctx, service, char, payload)
	}
}

func listenCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.ShowCommandHelp(c, "listen")
	}
	var allow []uuid.UUID
	for _, arg := range c.Args().Tail() {
		u, err := parseUUID(arg)
		if err != nil {
			return err
		}
		allow = append(allow, u)
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := signalContext()
	defer cancel()

	if err := connect(ctx, c, client, c.Args().First()); err != nil {
		return err
	}
	messages, stop := client.Messages()
	defer stop()
	if err := client.Subscribe(ctx, allow...); err != nil {
		return err
	}
	states, unwatch := client.WatchConnectionState()
	defer unwatch()

	fmt.Fprintf(os.Stderr, "Listening on %d characteristics. Ctrl+C to quit.\n", len(client.Subscribed()))
	for {
		select {
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			printMessage(msg)
		case state, ok := <-states:
			if !ok || state == ble.StateDisconnected {
				return ble.NewError(ble.KindDeviceNotConnected, "peripheral disconnected")
			}
		case <-ctx.Done():
			return client.Disconnect(context.Background())
		}
	}
}

func printMessage(msg protocol.Message) {
	fmt.Printf("%s  id=%d status=%d  %s\n", msg.Characteristic, msg.ID, msg.Status, hex.EncodeToString(msg.Data))
}
