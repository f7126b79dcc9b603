// Package cmd implements the wopan command
//
// It is in a sub package so its internals can be re-used elsewhere
package cmd

import (
	"fmt"
	"log"
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/woclouds/wopan/pan"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Exit codes.  ExitCodeInterrupted is 128+SIGINT, the shell convention.
const (
	ExitCodeSuccess     = 0
	ExitCodeFailure     = 1
	ExitCodeInterrupted = 130
)

// Globals
var (
	verbose        int
	useJSONLog     bool
	logFile        string
	logFileMaxSize int
	tokenFile      string
	scratchDir     string
)

// Root is the main wopan command
var Root = &cobra.Command{
	Use:   "wopan",
	Short: "Wo Cloud gateway",
	Long: `wopan is a local HTTP gateway to the Wo Cloud (联通网盘) storage
service.  It fronts a pool of access tokens, spreads upstream calls
across them with health tracking, and exposes browsing, direct
download URL resolution, uploads and deletion over a local REST API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
		applyGlobals()
	},
}

func init() {
	flags := Root.PersistentFlags()
	flags.CountVarP(&verbose, "verbose", "v", "Print lots more stuff (repeat for more)")
	flags.BoolVar(&useJSONLog, "use-json-log", false, "Use json log format")
	flags.StringVar(&logFile, "log-file", "", "Log everything to this file")
	flags.IntVar(&logFileMaxSize, "log-file-max-size", 100, "Maximum size of the log file in MiB before rotation")
	flags.StringVar(&tokenFile, "tokens", "tokens.json", "Path of the token pool file")
	flags.StringVar(&scratchDir, "scratch-dir", "uploads", "Directory for upload spool files")
}

// setupLogging configures the log level, format and destination from
// the global flags
func setupLogging() {
	switch {
	case verbose >= 2:
		pan.Config.LogLevel = pan.LogLevelDebug
	case verbose == 1:
		pan.Config.LogLevel = pan.LogLevelInfo
	default:
		pan.Config.LogLevel = pan.LogLevelNotice
	}
	pan.Config.UseJSONLog = useJSONLog
	if useJSONLog {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.999999-07:00"})
		logrus.SetLevel(logrus.DebugLevel)
	}
	if logFile != "" {
		out := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    logFileMaxSize, // MiB
			MaxBackups: 3,
		}
		log.SetOutput(out)
		logrus.SetOutput(out)
	}
}

// applyGlobals copies the path flags into the shared config, expanding ~
func applyGlobals() {
	if expanded, err := homedir.Expand(tokenFile); err == nil {
		tokenFile = expanded
	}
	pan.Config.TokenFile = tokenFile
	pan.Config.ScratchDir = scratchDir
}

// Main runs the root command and exits with the appropriate code
func Main() {
	if err := Root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitCodeFailure)
	}
	os.Exit(ExitCodeSuccess)
}
