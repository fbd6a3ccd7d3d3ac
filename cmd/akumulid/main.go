// akumulid is the time-series database daemon.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/akumuli/akumulid/config"
	"github.com/akumuli/akumulid/internal/logging"
	"github.com/akumuli/akumulid/internal/query"
	"github.com/akumuli/akumulid/internal/server"
	"github.com/akumuli/akumulid/internal/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

// cliHelpMessage uses the markdown subset rendered by richPrint.
const cliHelpMessage = "`akumulid` - time-series database daemon\n" +
	"\n**SYNOPSIS**\n" +
	"        akumulid\n\n" +
	"        akumulid --help\n\n" +
	"        akumulid --init\n\n" +
	"        akumulid --init-expandable\n\n" +
	"        akumulid --create\n\n" +
	"        akumulid --delete\n" +
	"\n**DESCRIPTION**\n" +
	"        **akumulid** is a time-series database daemon.\n" +
	"        All configuration can be done via the `~/.akumulid` configuration\n" +
	"        file.\n" +
	"\n**OPTIONS**\n" +
	"        **help**\n            produce help message and exit\n\n" +
	"        **version**\n            print software version and exit\n\n" +
	"        **init**\n            create configuration file at `~/.akumulid` filled with\n            default values and exit\n\n" +
	"        **init-expandable**\n            same as **init** but sets nvolumes to 0\n\n" +
	"        **create**\n            generate database files per configuration, use with\n            --allocate flag to preallocate disk space\n\n" +
	"        **delete**\n            delete database files per configuration\n\n" +
	"        **(empty)**\n            run server\n"

func main() {
	var (
		flagHelp         = flag.Bool("help", false, "Produce help message")
		flagConfig       = flag.String("config", "", "Path to configuration file")
		flagCreate       = flag.Bool("create", false, "Create database")
		flagAllocate     = flag.Bool("allocate", false, "Preallocate disk space")
		flagDelete       = flag.Bool("delete", false, "Delete database")
		flagCI           = flag.Bool("CI", false, "Create database for CI environment (for testing)")
		flagInit         = flag.Bool("init", false, "Create default configuration")
		flagInitExp      = flag.Bool("init-expandable", false, "Create configuration for expandable storage")
		flagDisableWAL   = flag.Bool("disable-wal", false, "Disable WAL in generated configuration file (can be used with --init)")
		flagDebugDump    = flag.String("debug-dump", "", "Create debug dump")
		flagRecoveryDump = flag.String("debug-recovery-dump", "", "Create debug dump of the system after crash recovery")
		flagVersion      = flag.Bool("version", false, "Print software version")
	)
	flag.Usage = func() { richPrint(cliHelpMessage) }
	flag.Parse()

	logging.Init(slog.LevelInfo, false)

	// Engine panics are logged before the process aborts; the runtime
	// re-panic still produces a core dump where the system allows it.
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic", "error", r)
			log.Error("terminating (core dumped)")
			panic(r)
		}
	}()

	if *flagHelp {
		richPrint(cliHelpMessage)
		return
	}
	if *flagVersion {
		fmt.Println(Version)
		return
	}

	if err := run(cmdArgs{
		configPath:   *flagConfig,
		create:       *flagCreate,
		allocate:     *flagAllocate,
		del:          *flagDelete,
		ci:           *flagCI,
		init:         *flagInit,
		initExp:      *flagInitExp,
		disableWAL:   *flagDisableWAL,
		debugDump:    *flagDebugDump,
		recoveryDump: *flagRecoveryDump,
	}); err != nil {
		failure(err)
		os.Exit(1)
	}
}

type cmdArgs struct {
	configPath   string
	create       bool
	allocate     bool
	del          bool
	ci           bool
	init         bool
	initExp      bool
	disableWAL   bool
	debugDump    string
	recoveryDump string
}

// run dispatches the mutually exclusive commands; absence of a command
// means "run server".
func run(args cmdArgs) error {
	cfgPath, err := config.DefaultPath(args.configPath)
	if err != nil {
		return err
	}

	log.Info("started", "version", Version, "config", cfgPath)

	switch {
	case args.init || args.initExp:
		if err := config.WriteDefault(cfgPath, args.initExp, args.disableWAL); err != nil {
			return err
		}
		richPrintf("**OK** configuration file created at: `%s`", cfgPath)
		return nil

	case args.create || args.ci:
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return cmdCreateDatabase(cfg, args.ci, args.allocate)

	case args.del:
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return cmdDeleteDatabase(cfg)

	case args.debugDump != "":
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		report, err := storage.DebugReport(cfg.Path)
		if err != nil {
			return err
		}
		return writeDump(report, args.debugDump, cfg.Path)

	case args.recoveryDump != "":
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		report, err := storage.RecoveryDebugReport(cfg.Path, cfg.WAL.Path)
		if err != nil {
			return err
		}
		return writeDump(report, args.recoveryDump, cfg.Path)

	default:
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		return cmdRunServer(cfg)
	}
}

// cmdCreateDatabase creates the database files per configuration.
func cmdCreateDatabase(cfg *config.Daemon, testDB, allocate bool) error {
	volumeSize := cfg.VolumeSize
	if testDB {
		volumeSize = config.TestVolumeSize
	}
	if err := storage.CreateDatabase(cfg.Path, cfg.NVolumes, volumeSize, allocate); err != nil {
		return err
	}
	richPrintf("**OK** database created, path: `%s`", cfg.Path)
	return nil
}

// cmdDeleteDatabase deletes the database files per configuration.
func cmdDeleteDatabase(cfg *config.Daemon) error {
	if err := storage.DeleteDatabase(cfg.Path, cfg.WAL.Path); err != nil {
		return err
	}
	richPrintf("**OK** database at `%s` deleted", cfg.Path)
	return nil
}

// writeDump writes a debug report to a file, or to stdout when the
// target is the literal "stdout". No status line is printed for stdout
// so the report can be redirected cleanly.
func writeDump(report, target, dbPath string) error {
	if target == "stdout" {
		fmt.Println(report)
		return nil
	}
	if err := os.WriteFile(target, []byte(report), 0644); err != nil {
		return err
	}
	richPrintf("**OK** `%s` successfully generated for `%s`", target, dbPath)
	return nil
}

// cmdRunServer opens the database and runs every configured server
// until a termination signal arrives.
func cmdRunServer(cfg *config.Daemon) error {
	params := storage.FineTuneParams{}

	if cfg.WAL.Enabled() {
		if msgs := cfg.WAL.Validate(); len(msgs) > 0 {
			for _, m := range msgs {
				richPrintf("**ERROR** %s", m)
			}
			// Misconfigured WAL disables the log instead of aborting.
		} else {
			params.WAL = cfg.WAL
			ccr := 1
			for _, settings := range cfg.Servers {
				n := settings.NWorkers
				if n < 0 {
					n = runtime.NumCPU()
				}
				if n > ccr {
					ccr = n
				}
			}
			params.WALConcurrency = ccr
		}
	}

	con, err := storage.Open(cfg.Path, params)
	if err != nil {
		return err
	}
	defer con.Close()

	server.Version = Version
	qproc := query.NewQueryProcessor(con, 2048)
	sig := server.NewSignalHandler()

	names := make(map[int]string)
	for id, settings := range cfg.Servers {
		srv, err := server.Create(con, qproc, settings)
		if err != nil {
			return err
		}
		if err := srv.Start(sig, id); err != nil {
			return err
		}
		names[id] = settings.Name
		log.Info("starting server", "name", settings.Name, "index", id)
		if len(settings.Protocols) == 1 {
			richPrintf("**OK** %s server started, endpoint: %s",
				settings.Name, settings.Protocols[0].Endpoint)
		} else {
			line := fmt.Sprintf("**OK** %s server started", settings.Name)
			for _, p := range settings.Protocols {
				line += fmt.Sprintf(", %s endpoint: %s", p.Name, p.Endpoint)
			}
			richPrint(line)
		}
	}

	for _, id := range sig.Wait() {
		richPrintf("**OK** %s server stopped", names[id])
	}

	log.Info("clean exit")
	return nil
}
