package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configFile string
	address    string
	melody     int
	static     bool

	rootCmd = &cobra.Command{
		Use:           "clockctl",
		Short:         "Control a Bluetooth alarm clock",
		Long:          "clockctl keeps a link to a DGT Bluetooth alarm clock and drives it over a local socket.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the link daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runDaemon(cfg, address)
		},
	}

	alarmCmd = &cobra.Command{
		Use:   "alarm",
		Short: "Manage the three alarm slots",
	}

	alarmSetCmd = &cobra.Command{
		Use:   "set <slot> <HH:MM>",
		Short: "Program an enabled alarm",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := parseInt("slot", args[0])
			if err != nil {
				return err
			}
			hour, minute, err := parseClock(args[1])
			if err != nil {
				return err
			}
			return runRequest(IPCRequest{Command: "alarm-set", Slot: slot, Hour: hour, Minute: minute, Melody: melody})
		},
	}

	alarmListCmd = &cobra.Command{
		Use:   "list",
		Short: "Show the cached alarms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlarmList(os.Stdout)
		},
	}

	textCmd = &cobra.Command{
		Use:   "text <text>",
		Short: "Set the custom text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(IPCRequest{Command: "text", Text: strings.Join(args, " "), Static: static})
		},
	}

	playCmd = &cobra.Command{
		Use:   "play <melody>",
		Short: "Play a melody",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseInt("melody", args[0])
			if err != nil {
				return err
			}
			return runRequest(IPCRequest{Command: "play", Melody: id})
		},
	}

	brightnessCmd = &cobra.Command{
		Use:   "brightness <0-100>",
		Short: "Set the display brightness",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseInt("level", args[0])
			if err != nil {
				return err
			}
			return runRequest(IPCRequest{Command: "brightness", Level: level})
		},
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Stream link events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(os.Stdout)
		},
	}
)

// simple builds a command that sends a bare request.
func simple(use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(IPCRequest{Command: command})
		},
	}
}

// slotCommand builds an alarm subcommand that takes only a slot.
func slotCommand(use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <slot>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := parseInt("slot", args[0])
			if err != nil {
				return err
			}
			return runRequest(IPCRequest{Command: command, Slot: slot})
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", configPath(), "Config file path")
	daemonCmd.Flags().StringVarP(&address, "address", "a", "", "Peer address, overrides the config")
	alarmSetCmd.Flags().IntVarP(&melody, "melody", "m", 0, "Melody id")
	textCmd.Flags().BoolVarP(&static, "static", "s", false, "Show the text without scrolling")

	alarmCmd.AddCommand(alarmSetCmd)
	alarmCmd.AddCommand(slotCommand("toggle", "Enable or disable an alarm", "alarm-toggle"))
	alarmCmd.AddCommand(slotCommand("clear", "Empty an alarm slot", "alarm-clear"))
	alarmCmd.AddCommand(alarmListCmd)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(simple("status", "Show link state and cached settings", "status"))
	rootCmd.AddCommand(simple("connect", "Connect to the clock", "connect"))
	rootCmd.AddCommand(simple("disconnect", "Disconnect from the clock", "disconnect"))
	rootCmd.AddCommand(simple("sync-time", "Set the clock to the current time", "sync-time"))
	rootCmd.AddCommand(simple("resync", "Push the cached settings to the clock", "resync"))
	rootCmd.AddCommand(alarmCmd)
	rootCmd.AddCommand(textCmd)
	rootCmd.AddCommand(simple("show-time", "Switch the display to the time", "show-time"))
	rootCmd.AddCommand(simple("show-text", "Switch the display to the custom text", "show-text"))
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(simple("stop", "Stop the melody", "stop"))
	rootCmd.AddCommand(brightnessCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(simple("selftest", "Run the firmware smoke test", "selftest"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
