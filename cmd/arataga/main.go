// Command arataga runs the forward proxy: it loads the local config and
// user-list files, waits for the admin HTTP API to bind successfully,
// then starts accepting connections on every configured ACL, reconfiguring
// live as POST /config and POST /users requests arrive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arataga-proxy/arataga/internal/acl"
	"github.com/arataga-proxy/arataga/internal/admin"
	"github.com/arataga-proxy/arataga/internal/arlog"
	"github.com/arataga-proxy/arataga/internal/broadcast"
	"github.com/arataga-proxy/arataga/internal/config"
	"github.com/arataga-proxy/arataga/internal/stats"
	"github.com/arataga-proxy/arataga/internal/userlist"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cliFlags struct {
	adminAddr       string
	adminToken      string
	localConfigPath string
	ioGroups        int
	jsonLogs        bool
	debug           bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.adminAddr, "admin-addr", "127.0.0.1:8080", "Admin HTTP API bind address")
	flag.StringVar(&f.adminToken, "admin-token", "", "Shared secret required in the Arataga-Admin-Token header")
	flag.StringVar(&f.localConfigPath, "local-config-path", ".", "Directory holding local-config.cfg and local-user-list.cfg")
	flag.IntVar(&f.ioGroups, "io-groups", 0, "Number of I/O goroutine groups (0 means max(1, NumCPU-2))")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()

	logger := arlog.Configure(arlog.Config{
		Level:            level(flags),
		Structured:       flags.jsonLogs,
		StructuredFormat: "json",
		ExtraFields:      map[string]string{"component": "arataga"},
	})

	if flags.adminToken == "" {
		return fmt.Errorf("-admin-token must be set; an admin API with no token accepts configuration from anyone who can reach it")
	}

	snap, loadedFromDisk := loadLocalConfig(logger, flags.localConfigPath)
	users, _ := loadLocalUserList(logger, flags.localConfigPath)

	logger = arlog.Configure(arlog.Config{
		Level:            snap.LogLevel,
		Structured:       flags.jsonLogs,
		StructuredFormat: "json",
		ExtraFields:      map[string]string{"component": "arataga"},
	})
	logger.Info("starting arataga", "local_config_loaded", loadedFromDisk, "io_groups", ioGroupCount(flags.ioGroups))

	cfgTopic := broadcast.New[config.Snapshot]()
	cfgTopic.Publish(snap)

	mgr := acl.NewManager(logger, ioGroupCount(flags.ioGroups), cfgTopic)
	mgr.LoadUsers(users.ByIP, users.ByLogin, users.SiteLimits)

	collector := stats.New()
	mgr.SetCollector(collector)

	adminSrv := admin.New(admin.Config{
		ListenAddr:      flags.adminAddr,
		Token:           flags.adminToken,
		LocalConfigPath: flags.localConfigPath,
	}, admin.Deps{
		ConfigTopic: cfgTopic,
		ACLManager:  mgr,
		Stats:       collector,
		Log:         logger,
	}, snap)

	// Two-stage start (SPEC_FULL.md §E): bind the admin listener first so a
	// proxy that cannot expose /config never silently accepts traffic it
	// cannot be reconfigured on.
	adminLn, err := adminSrv.Bind()
	if err != nil {
		return fmt.Errorf("failed to bind admin HTTP API on %s: %w", flags.adminAddr, err)
	}
	logger.Info("admin HTTP API bound", "addr", flags.adminAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := adminSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin HTTP API: %w", err)
		}
		return nil
	})

	acl.RunGroup(egCtx, eg, mgr)

	eg.Go(func() error {
		return runStatsObserver(egCtx, mgr, collector)
	})

	<-egCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = adminSrv.Shutdown(shutdownCtx)
	shutdownCancel()

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("arataga exited with error: %w", err)
	}
	return nil
}

func level(f cliFlags) string {
	if f.debug {
		return "DEBUG"
	}
	return "INFO"
}

func ioGroupCount(requested int) int {
	if requested > 0 {
		return requested
	}
	if n := runtime.NumCPU() - 2; n > 0 {
		return n
	}
	return 1
}

// loadLocalConfig reads local-config.cfg if present. A missing file or a
// parse failure is logged and tolerated at startup (§7: "the same
// failures at startup from the local file are logged and tolerated; the
// core waits for an admin push"), returning Default() so the process
// still comes up and can be configured via POST /config.
func loadLocalConfig(logger *slog.Logger, dir string) (config.Snapshot, bool) {
	path := dir + "/local-config.cfg"
	body, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("no local config file, starting from defaults", "path", path, "error", err)
		return config.Default(), false
	}
	snap, err := config.Parse(string(body))
	if err != nil {
		logger.Error("local config file failed to parse, starting from defaults", "path", path, "error", err)
		return config.Default(), false
	}
	return snap, true
}

func loadLocalUserList(logger *slog.Logger, dir string) (userlist.Snapshot, bool) {
	path := dir + "/local-user-list.cfg"
	body, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("no local user list file, starting with an empty user list", "path", path, "error", err)
		return userlist.Snapshot{}, false
	}
	snap, err := userlist.Parse(string(body))
	if err != nil {
		logger.Error("local user list file failed to parse, starting with an empty user list", "path", path, "error", err)
		return userlist.Snapshot{}, false
	}
	return snap, true
}

// runStatsObserver periodically folds the DNS resolver's and bandwidth
// manager's internal counters into the Prometheus collector, since
// neither keeps Prometheus types directly (see internal/stats's doc
// comment).
func runStatsObserver(ctx context.Context, mgr *acl.Manager, collector *stats.Collector) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			collector.ObserveDNS(mgr.DebugResolver().Stats())
			collector.ObserveBandwidth(mgr.Bandwidth().ActiveUsers())
		}
	}
}

