package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jitsi/jibri/internal/config"
	"github.com/jitsi/jibri/internal/logging"
	"github.com/jitsi/jibri/internal/worker"
)

var (
	version = "1.0.0"
	cfgFile string

	flagQuiet   bool
	flagDebug   bool
	flagVerbose bool

	flagJID             string
	flagPassword        string
	flagRoom            string
	flagRoomName        string
	flagRoomPass        string
	flagNick            string
	flagURL             string
	flagTimeout         int
	flagRESTToken       string
	flagChromeBinary    string
	flagGoogleAccount   string
	flagGooglePassword  string
	flagXMPPDomain      string
	flagMUCPrefix       string
	flagBreweryPrefix   string
	flagJIDServerPrefix string
	flagJIDUsername     string
	flagBoshDomain      string
	flagBoshPrefix      string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "jibri",
	Short: "Jibri recording and streaming worker",
	Long:  `Jibri - single-tenant recording and streaming worker for Jitsi Meet conferences`,
}

var runCmd = &cobra.Command{
	Use:   "run [server-hostname ...]",
	Short: "Start the worker",
	Run: func(cmd *cobra.Command, args []string) {
		runWorker(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("jibri v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/jitsi/jibri/jibri.json)")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "log warnings and errors only")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "log debug detail")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log informational detail")

	f := runCmd.Flags()
	f.StringVar(&flagJID, "jid", "", "XMPP account JID")
	f.StringVar(&flagPassword, "password", "", "XMPP account password")
	f.StringVar(&flagRoom, "room", "", "brewery control room JID")
	f.StringVar(&flagRoomName, "room-name", "", "conference room name")
	f.StringVar(&flagRoomPass, "roompass", "", "brewery room password")
	f.StringVar(&flagNick, "nick", "", "MUC nickname")
	f.StringVar(&flagURL, "url", "", "conference URL template (%ROOM%, %SUBDOMAIN%)")
	f.IntVar(&flagTimeout, "timeout", 0, "recording time limit in seconds (0 disables)")
	f.StringVar(&flagRESTToken, "resttoken", "", "shared secret for the REST endpoint")
	f.StringVar(&flagChromeBinary, "chrome-binary", "", "path to the browser binary")
	f.StringVar(&flagGoogleAccount, "google-account", "", "federated login account for the browser")
	f.StringVar(&flagGooglePassword, "google-account-password", "", "federated login password for the browser")
	f.StringVar(&flagXMPPDomain, "xmpp-domain", "", "XMPP domain")
	f.StringVar(&flagMUCPrefix, "muc-server-prefix", "", "MUC host prefix (e.g. conference.)")
	f.StringVar(&flagBreweryPrefix, "brewery-prefix", "", "brewery MUC host prefix")
	f.StringVar(&flagJIDServerPrefix, "jid-server-prefix", "", "auth host prefix for derived JIDs (e.g. auth.)")
	f.StringVar(&flagJIDUsername, "jid-username", "", "username for derived JIDs")
	f.StringVar(&flagBoshDomain, "bosh-domain", "", "BOSH domain override")
	f.StringVar(&flagBoshPrefix, "bosh-domain-prefix", "", "BOSH domain prefix")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after
// config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

// applyFlags layers explicitly-set command-line flags over the loaded
// config, so precedence ends up CLI over environment over file (spec.md §6).
// Positional arguments name signaling server hostnames.
func applyFlags(cmd *cobra.Command, cfg *config.Config, args []string) {
	set := map[string]*string{
		"jid":                     &cfg.JID,
		"password":                &cfg.Password,
		"room":                    &cfg.Room,
		"room-name":               &cfg.RoomName,
		"roompass":                &cfg.RoomPassword,
		"nick":                    &cfg.Nick,
		"url":                     &cfg.URL,
		"resttoken":               &cfg.RESTToken,
		"chrome-binary":           &cfg.ChromeBinaryPath,
		"google-account":          &cfg.GoogleAccount,
		"google-account-password": &cfg.GoogleAccountPassword,
		"xmpp-domain":             &cfg.XMPPDomain,
		"muc-server-prefix":       &cfg.MUCServerPrefix,
		"brewery-prefix":          &cfg.BreweryPrefix,
		"jid-server-prefix":       &cfg.JIDServerPrefix,
		"jid-username":            &cfg.JIDUsername,
		"bosh-domain":             &cfg.BoshDomain,
		"bosh-domain-prefix":      &cfg.BoshDomainPrefix,
	}
	flagValues := map[string]*string{
		"jid":                     &flagJID,
		"password":                &flagPassword,
		"room":                    &flagRoom,
		"room-name":               &flagRoomName,
		"roompass":                &flagRoomPass,
		"nick":                    &flagNick,
		"url":                     &flagURL,
		"resttoken":               &flagRESTToken,
		"chrome-binary":           &flagChromeBinary,
		"google-account":          &flagGoogleAccount,
		"google-account-password": &flagGooglePassword,
		"xmpp-domain":             &flagXMPPDomain,
		"muc-server-prefix":       &flagMUCPrefix,
		"brewery-prefix":          &flagBreweryPrefix,
		"jid-server-prefix":       &flagJIDServerPrefix,
		"jid-username":            &flagJIDUsername,
		"bosh-domain":             &flagBoshDomain,
		"bosh-domain-prefix":      &flagBoshPrefix,
	}
	for name, dst := range set {
		if cmd.Flags().Changed(name) {
			*dst = *flagValues[name]
		}
	}
	if cmd.Flags().Changed("timeout") {
		cfg.UsageTimeoutSeconds = flagTimeout
	}
	if len(args) > 0 {
		cfg.Servers = args
	}

	switch {
	case flagQuiet:
		cfg.LogLevel = "warn"
	case flagDebug:
		cfg.LogLevel = "debug"
	case flagVerbose:
		cfg.LogLevel = "info"
	}
}

// runWorker loads configuration, builds the worker, and serves it until a
// lifecycle signal ends the process (spec.md §9).
func runWorker(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cmd, cfg, args)

	initLogging(cfg)

	log.Info("starting jibri worker", "version", version)

	w, err := worker.New(cfg)
	if err != nil {
		log.Error("failed to build worker", "error", err)
		os.Exit(1)
	}

	if err := w.Run(context.Background()); err != nil {
		log.Error("worker exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("jibri worker stopped")
	os.Exit(w.ExitCode())
}
