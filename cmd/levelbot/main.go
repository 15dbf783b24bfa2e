package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/levelbot/internal/config"
	"github.com/stellarlinkco/levelbot/internal/cron"
	"github.com/stellarlinkco/levelbot/internal/gateway"
	"github.com/stellarlinkco/levelbot/internal/levels"
	"github.com/stellarlinkco/levelbot/internal/settings"
	"github.com/stellarlinkco/levelbot/internal/store"
)

// exampleMaxLevel is the size of the level table written by onboard.
const exampleMaxLevel = 50

var (
	styleTitle   = lipgloss.NewStyle().Bold(true)
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

var rootCmd = &cobra.Command{
	Use:   "levelbot",
	Short: "levelbot - chat XP and level tracking",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + XP workers + HTTP admin)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and an example level table",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show levelbot status",
	RunE:  runStatus,
}

var leaderboardCmd = &cobra.Command{
	Use:   "leaderboard <guild-id>",
	Short: "Print the stored leaderboard of a guild",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeaderboard,
}

var memberCmd = &cobra.Command{
	Use:   "member <guild-id> <user-id>",
	Short: "Print a member's stored XP record",
	Args:  cobra.ExactArgs(2),
	RunE:  runMember,
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change stored guild settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show <guild-id>",
	Short: "Print a guild's settings as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsShow,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <guild-id> key=value...",
	Short: "Change guild settings, e.g. xpDecayEnabled=true",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSettingsSet,
}

var limitFlag int

func init() {
	leaderboardCmd.Flags().IntVarP(&limitFlag, "limit", "n", 10, "Number of members to show")
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, leaderboardCmd, memberCmd, settingsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram token not set. Run 'levelbot onboard' or set LEVELBOT_TELEGRAM_TOKEN")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	table, err := levels.Default(exampleMaxLevel).Marshal()
	if err != nil {
		return fmt.Errorf("render level table: %w", err)
	}
	writeIfNotExists(out, config.LevelsPath(), table)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your telegram token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set LEVELBOT_TELEGRAM_TOKEN environment variable")
	fmt.Fprintf(out, "  3. To use the example level table set levels.path to %s\n", config.LevelsPath())
	fmt.Fprintln(out, "  4. Run 'levelbot gateway'")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintln(out, styleTitle.Render("levelbot status"))
	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Telegram: enabled=%v token=%s\n", cfg.Channels.Telegram.Enabled, maskToken(cfg.Channels.Telegram.Token))
	fmt.Fprintf(out, "Gateway: %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Levels.Path != "" {
		fmt.Fprintf(out, "Levels: %s\n", cfg.Levels.Path)
	} else {
		fmt.Fprintf(out, "Levels: built-in (max level %d)\n", cfg.Levels.MaxLevel)
	}
	fmt.Fprintf(out, "Serialize mutations: %v\n", cfg.XP.SerializeMutations)

	if _, err := os.Stat(cfg.Store.DBPath); err != nil {
		fmt.Fprintln(out, styleWarning.Render(fmt.Sprintf("Store: %s (not created yet)", cfg.Store.DBPath)))
	} else {
		st, err := store.Open(cfg.Store.DBPath, cfg.XP.Defaults)
		if err != nil {
			fmt.Fprintf(out, "Store: error (%v)\n", err)
		} else {
			guilds, members, err := st.Stats(cmd.Context())
			_ = st.Close()
			if err != nil {
				fmt.Fprintf(out, "Store: error (%v)\n", err)
			} else {
				fmt.Fprintf(out, "Store: %s (%d guilds, %d members)\n", cfg.Store.DBPath, guilds, members)
			}
		}
	}

	jobs, err := cron.LoadState(config.SchedulerStatePath())
	if err != nil {
		fmt.Fprintf(out, "Workers: error (%v)\n", err)
		return nil
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "Workers: no runs recorded")
		return nil
	}
	fmt.Fprintln(out, "Workers:")
	for _, j := range jobs {
		last := "never"
		if !j.State.LastRunAt.IsZero() {
			last = j.State.LastRunAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(out, "  %-18s %-12s runs=%d failures=%d last=%s %s\n",
			j.Name, j.Spec, j.State.Runs, j.State.Failures, last, j.State.LastStatus)
	}
	return nil
}

func runLeaderboard(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Store.DBPath, cfg.XP.Defaults)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rows, err := st.TopMembers(cmd.Context(), args[0], limitFlag)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintf(out, "No members stored for guild %s\n", args[0])
		return nil
	}

	fmt.Fprintln(out, styleTitle.Render("Leaderboard for guild "+args[0]))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tUSER\tLEVEL\tXP\tMESSAGES")
	rank := 0
	for i, r := range rows {
		if i == 0 || r.XP != rows[i-1].XP {
			rank = i + 1
		}
		name := r.Username
		if name == "" {
			name = r.UserID
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\n", rank, name, r.Level, r.XP, r.MessageCount)
	}
	return tw.Flush()
}

func runMember(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Store.DBPath, cfg.XP.Defaults)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	r, err := st.Member(cmd.Context(), args[0], args[1])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no record for %s in guild %s", args[1], args[0])
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	name := r.Username
	if name == "" {
		name = r.UserID
	}
	fmt.Fprintln(out, styleTitle.Render(name+" in guild "+r.GuildID))
	fmt.Fprintf(out, "Level: %d\n", r.Level)
	fmt.Fprintf(out, "XP: %d (decayed %d)\n", r.XP, r.DecayedXP)
	fmt.Fprintf(out, "Messages: %d\n", r.MessageCount)
	fmt.Fprintf(out, "Last message: %s\n", formatTime(r.LatestMessageTime))
	fmt.Fprintf(out, "Last decay: %s\n", formatTime(r.LatestDecayTime))
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func runSettingsShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Store.DBPath, cfg.XP.Defaults)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	g, err := st.Settings(cmd.Context(), args[0])
	if errors.Is(err, store.ErrNotFound) {
		g = cfg.XP.Defaults.ForGuild(args[0])
	} else if err != nil {
		return err
	}
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// runSettingsSet stores the changes directly. A running gateway keeps its
// cached copy until restart; use the HTTP settings endpoint for live changes.
func runSettingsSet(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Store.DBPath, cfg.XP.Defaults)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	guildID := args[0]
	current, err := st.GuildSettings(cmd.Context(), guildID)
	if err != nil {
		return err
	}
	next, err := applyAssignments(current.Clone(), args[1:])
	if err != nil {
		return err
	}
	next.GuildID = guildID
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := st.SaveGuildSettings(cmd.Context(), next); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Updated settings for guild %s\n", guildID)
	return nil
}

// applyAssignments sets key=value pairs on g, keyed by the JSON field names.
// Values are parsed as JSON and fall back to plain strings.
func applyAssignments(g settings.Guild, pairs []string) (settings.Guild, error) {
	patch := make(map[string]json.RawMessage, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return g, fmt.Errorf("expected key=value, got %q", p)
		}
		raw := json.RawMessage(value)
		if !json.Valid(raw) {
			quoted, _ := json.Marshal(value)
			raw = quoted
		}
		patch[key] = raw
	}

	known := settingKeys()
	for key := range patch {
		if _, ok := known[key]; !ok {
			return g, fmt.Errorf("unknown setting %q", key)
		}
	}

	data, err := json.Marshal(patch)
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal(data, &g); err != nil {
		return g, fmt.Errorf("apply settings: %w", err)
	}
	return g, nil
}

// settingKeys lists the JSON names of the settings fields.
func settingKeys() map[string]struct{} {
	t := reflect.TypeOf(settings.Guild{})
	out := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			out[name] = struct{}{}
		}
	}
	return out
}

func maskToken(token string) string {
	switch {
	case token == "":
		return "not set"
	case len(token) > 8:
		return token[:4] + "..." + token[len(token)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(out io.Writer, path string, content []byte) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, content, 0644); err != nil {
			fmt.Fprintf(out, "  Failed to write %s: %v\n", path, err)
			return
		}
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}
