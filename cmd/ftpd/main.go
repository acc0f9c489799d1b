// Command ftpd runs the FTP daemon.
//
// Usage:
//
//	ftpd [-config ftpd.yaml]
//	ftpd hashpw [password]
//
// Without a config file it serves the current directory on :2121 with
// anonymous read-only access. The hashpw subcommand produces a bcrypt
// hash suitable for the users section of the config file; with no
// argument the password is read from stdin.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"ftpd/auth"
	"ftpd/config"
	"ftpd/server"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hashpw" {
		if err := runHashpw(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "ftpd:", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(*configPath, logger); err != nil {
		logger.WithError(err).Fatal("server exited")
	}
}

func run(configPath string, logger *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	logger.SetLevel(level)

	driver, err := buildDriver(cfg)
	if err != nil {
		return err
	}

	idle, err := cfg.IdleTimeout()
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithDriver(driver),
		server.WithLogger(logger),
		server.WithMaxIdleTime(idle),
		server.WithPassivePortRange(cfg.Passive.PortLow, cfg.Passive.PortHigh),
		server.WithBandwidthLimit(
			cfg.RateLimit.PerConnectionBytesPerSecond,
			cfg.RateLimit.GlobalBytesPerSecond,
		),
	}
	if cfg.Server.PublicHost != "" {
		opts = append(opts, server.WithPublicHost(cfg.Server.PublicHost))
	}
	if cfg.Server.MaxConnections > 0 {
		opts = append(opts, server.WithMaxConnections(cfg.Server.MaxConnections))
	}
	if cfg.Server.MaxConnectionsPerIP > 0 {
		opts = append(opts, server.WithMaxConnectionsPerIP(cfg.Server.MaxConnectionsPerIP))
	}
	if cfg.FloodProtection.MaxConnectionsPerSource > 0 {
		opts = append(opts, server.WithFloodProtection(
			cfg.FloodProtection.MaxConnectionsPerSource,
			cfg.FloodWindow(),
		))
	}

	srv, err := server.NewServer(cfg.Server.Listen, opts...)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.WithField("signal", s.String()).Info("shutting down")
		if err := srv.Shutdown(); err != nil {
			logger.WithError(err).Warn("shutdown")
		}
	}()

	logger.WithFields(logrus.Fields{
		"listen":   cfg.Server.Listen,
		"root_dir": cfg.Server.RootDir,
	}).Info("starting ftpd")

	if err := srv.ListenAndServe(); err != server.ErrServerClosed {
		return err
	}
	return nil
}

// buildDriver wires the configured accounts into a filesystem driver.
// Named users are checked against their bcrypt hashes; anonymous access
// falls through to the configured anonymous policy.
func buildDriver(cfg *config.Config) (server.Driver, error) {
	store := auth.NewStore()
	for _, u := range cfg.Users {
		home := u.HomeDir
		if home == "" {
			home = cfg.Server.RootDir
		}
		err := store.Add(auth.User{
			Name:         u.Name,
			PasswordHash: u.PasswordHash,
			HomeDir:      home,
			ReadOnly:     u.ReadOnly,
		})
		if err != nil {
			return nil, fmt.Errorf("users: %w", err)
		}
	}

	rootDir := cfg.Server.RootDir
	anonEnabled := cfg.Anonymous.Enabled
	anonWrite := cfg.Anonymous.Write

	return server.NewFSDriver(rootDir,
		server.WithAuthenticator(func(user, pass string) (string, bool, error) {
			if _, known := store.Lookup(user); known {
				u, err := store.Authenticate(user, pass)
				if err != nil {
					return "", false, os.ErrPermission
				}
				return u.HomeDir, u.ReadOnly, nil
			}
			if anonEnabled && (user == "ftp" || user == "anonymous") {
				return rootDir, !anonWrite, nil
			}
			return "", false, os.ErrPermission
		}))
}

func runHashpw(args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return fmt.Errorf("empty password")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
