package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/osCore2/osCore2-sub001/internal/appearance"
	"github.com/osCore2/osCore2-sub001/internal/config"
	"github.com/osCore2/osCore2-sub001/internal/simhost"
	"github.com/osCore2/osCore2-sub001/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "avatard",
	Short: "avatard - avatar appearance service",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the appearance service (store + scheduler + observer + cron)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show avatard status",
	RunE:  runStatus,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Decode a stored appearance document",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

type inspectOptions struct {
	Format  string
	Repack  string
	Version float64
	Legacy  bool
}

var inspectFlags inspectOptions

func init() {
	inspectCmd.Flags().StringVarP(&inspectFlags.Format, "format", "f", "text", "Output format: text or yaml")
	inspectCmd.Flags().StringVar(&inspectFlags.Repack, "repack", "", "Write the document re-encoded for --version to this path")
	inspectCmd.Flags().Float64Var(&inspectFlags.Version, "version", appearance.VersionExtendedBakes, "Protocol version used by --repack")
	inspectCmd.Flags().BoolVar(&inspectFlags.Legacy, "legacy", false, "With --repack, write the minimal document old readers understand")
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	host, err := simhost.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}
	return host.Run(ctx)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfg.Store.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Printf("Data directory ready: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to tune save/send delays\n", cfgPath)
	fmt.Println("  2. Or set AVATARD_* environment variables")
	fmt.Println("  3. Run 'avatard serve' to start the service")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	a := cfg.Appearance
	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Store: %s\n", cfg.Store.DBPath)
	fmt.Printf("Delays: save=%v send=%v sweep=%v\n", a.SaveDelay(), a.SendDelay(), a.SweepPeriod())
	fmt.Printf("Reuse textures: %v\n", a.ReuseTextures)
	fmt.Printf("Outbound version: %.1f\n", a.OutboundVersion)
	fmt.Printf("Bake audit: %s\n", a.AuditSchedule)
	fmt.Printf("Observer: enabled=%v addr=%s:%d\n", cfg.Observer.Enabled, cfg.Observer.Host, cfg.Observer.Port)
	fmt.Printf("Telemetry: enabled=%v\n", cfg.Telemetry.Enabled)

	if _, err := os.Stat(cfg.Store.DBPath); err != nil {
		fmt.Println("Avatars: no store yet (run 'avatard serve')")
		return nil
	}
	e, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		fmt.Printf("Avatars: error (%v)\n", err)
		return nil
	}
	defer e.Close()
	n, err := e.CountAvatars(context.Background())
	if err != nil {
		fmt.Printf("Avatars: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Avatars: %d stored\n", n)
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	return inspect(cmd.OutOrStdout(), args[0], inspectFlags)
}

type docSummary struct {
	Serial       int               `yaml:"serial"`
	Height       float32           `yaml:"height"`
	HoverZ       float32           `yaml:"hoverZ"`
	Size         [3]float32        `yaml:"size,flow"`
	VisualParams int               `yaml:"visualParams"`
	Wearables    map[string]int    `yaml:"wearables,omitempty"`
	Attachments  int               `yaml:"attachments"`
	Bakes        map[string]string `yaml:"bakes,omitempty"`
}

func summarize(a *appearance.Appearance) docSummary {
	size := a.Size()
	s := docSummary{
		Serial:       a.Serial(),
		Height:       a.Height(),
		HoverZ:       a.HoverZ(),
		Size:         [3]float32{size.X, size.Y, size.Z},
		VisualParams: len(a.VisualParams()),
		Wearables:    make(map[string]int),
		Attachments:  len(a.Attachments()),
		Bakes:        make(map[string]string),
	}
	for i, layers := range a.Wearables() {
		if len(layers) > 0 {
			s.Wearables[appearance.WearableType(i).String()] = len(layers)
		}
	}
	for b := appearance.BakeType(0); b < appearance.BakeCount; b++ {
		if tex := a.TextureID(appearance.BakeIndexFor(b)); !appearance.IsUnsetTexture(tex) {
			s.Bakes[b.String()] = tex.String()
		}
	}
	return s
}

func inspect(w io.Writer, path string, opts inspectOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	a, err := appearance.Decode(data)
	if err != nil {
		return err
	}

	sum := summarize(a)
	switch opts.Format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(sum); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		_ = enc.Close()
	case "", "text":
		printSummary(w, sum)
	default:
		return fmt.Errorf("unknown format %q", opts.Format)
	}

	if opts.Repack == "" {
		return nil
	}
	doc, target := appearance.Pack(a, opts.Version), fmt.Sprintf("%.1f", opts.Version)
	if opts.Legacy {
		doc, target = appearance.PackForLegacyDocument(a), "legacy readers"
	}
	out, err := appearance.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.Repack, out, 0644); err != nil {
		return fmt.Errorf("write repacked document: %w", err)
	}
	fmt.Fprintf(w, "Repacked for %s: %s (%d bytes)\n", target, opts.Repack, len(out))
	return nil
}

func printSummary(w io.Writer, s docSummary) {
	fmt.Fprintf(w, "Serial: %d\n", s.Serial)
	fmt.Fprintf(w, "Height: %.3f (hover %.3f)\n", s.Height, s.HoverZ)
	fmt.Fprintf(w, "Size: %.3f x %.3f x %.3f\n", s.Size[0], s.Size[1], s.Size[2])
	fmt.Fprintf(w, "Visual params: %d\n", s.VisualParams)
	fmt.Fprintf(w, "Attachments: %d\n", s.Attachments)
	for _, name := range sortedKeys(s.Wearables) {
		fmt.Fprintf(w, "Wearable %s: %d layers\n", name, s.Wearables[name])
	}
	if len(s.Bakes) == 0 {
		fmt.Fprintln(w, "Bakes: none")
	}
	for _, name := range sortedKeys(s.Bakes) {
		fmt.Fprintf(w, "Bake %s: %s\n", name, s.Bakes[name])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
