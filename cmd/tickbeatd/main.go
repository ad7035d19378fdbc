package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tickbeat/tickbeat/agent"
	"github.com/tickbeat/tickbeat/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "tickbeatd",
		Usage: "a periodic message worker, drivable from a separate session",
		Commands: []*cli.Command{
			serveCommand(),
			messageCommand(),
			doneCommand(),
			watchCommand(),
			genCertsCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "host the worker: run the periodic loop and serve queries over HTTPS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "name",
				Usage: "The registry name for the worker.",
				Value: "worker",
			},
			&cli.StringFlag{
				Name:     "message",
				Usage:    "The message the worker holds and answers queries with.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "interval",
				Usage: "The wait between timestamp emissions.",
				Value: "5s",
			},
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the HTTPS server to listen on.",
				Value:   "0.0.0.0:8080",
				EnvVars: []string{"TICKBEAT_ADDR"},
			},
			&cli.StringFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a client heartbeat before invoking the failure action.",
				Value: "1m",
			},
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [exit,none].",
				Value: "none",
			},
			&cli.StringFlag{
				Name:     "ca-cert-pem",
				Usage:    "The CA cert PEM bytes to use (base64-encoded).",
				EnvVars:  []string{"TICKBEAT_CA_CERT_PEM"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "cert-pem",
				Usage:    "The server cert PEM bytes to use (base64-encoded).",
				EnvVars:  []string{"TICKBEAT_SERVER_CERT_PEM"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "key-pem",
				Usage:    "The server key PEM bytes to use (base64-encoded).",
				EnvVars:  []string{"TICKBEAT_SERVER_KEY_PEM"},
				Required: true,
			},
		},
		Action: serve,
	}
}

func serve(cliCtx *cli.Context) error {
	interval, err := time.ParseDuration(cliCtx.String("interval"))
	if err != nil {
		return fmt.Errorf("parsing interval: %w", err)
	}
	heartbeatTimeout, err := time.ParseDuration(cliCtx.String("heartbeat-timeout"))
	if err != nil {
		return fmt.Errorf("parsing heartbeat timeout: %w", err)
	}

	var heartbeatFailureHandler func()
	switch onFailure := cliCtx.String("on-heartbeat-failure"); onFailure {
	case "exit":
		heartbeatFailureHandler = agent.HeartbeatFailureExit
	case "none":
		// nothing
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", onFailure)
	}

	caCertPEM, certPEM, keyPEM, err := decodePEMFlags(cliCtx)
	if err != nil {
		return err
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	// The periodic loop writes to stdout; watchers tap the same stream.
	ticks := agent.NewTickBroadcaster(os.Stdout)

	registry := worker.NewRegistry(worker.WithRegistryLogger(logger))
	w, err := registry.Start(cliCtx.String("name"), cliCtx.String("message"),
		worker.WithLogger(logger),
		worker.WithInterval(interval),
		worker.WithOutput(ticks),
	)
	if err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	a, err := agent.New(w, ticks, caCertPEM, certPEM, keyPEM,
		agent.WithLogger(logger),
		agent.WithListenAddr(cliCtx.String("listen-addr")),
		agent.WithHeartbeatTimeout(heartbeatTimeout),
		agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
	)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The loop and the HTTP server each get their own goroutine; the
	// interactive session driving queries is a different process entirely.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := w.Tick(groupCtx)
		if errors.Is(err, context.Canceled) || errors.Is(err, worker.ErrStopped) {
			return nil
		}
		return err
	})
	group.Go(a.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		registry.StopAll()
		return a.Stop()
	})
	return group.Wait()
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "server-addr",
			Usage:    "The host:port of the serving tickbeatd.",
			EnvVars:  []string{"TICKBEAT_SERVER"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "ca-cert-pem",
			Usage:    "The CA cert PEM bytes to use (base64-encoded).",
			EnvVars:  []string{"TICKBEAT_CA_CERT_PEM"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "cert-pem",
			Usage:    "The client cert PEM bytes to use (base64-encoded).",
			EnvVars:  []string{"TICKBEAT_CLIENT_CERT_PEM"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "key-pem",
			Usage:    "The client key PEM bytes to use (base64-encoded).",
			EnvVars:  []string{"TICKBEAT_CLIENT_KEY_PEM"},
			Required: true,
		},
	}
}

func decodePEMFlags(cliCtx *cli.Context) (caCertPEM, certPEM, keyPEM []byte, err error) {
	caCertPEM, err = base64.StdEncoding.DecodeString(cliCtx.String("ca-cert-pem"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decoding CA cert PEM: %w", err)
	}
	certPEM, err = base64.StdEncoding.DecodeString(cliCtx.String("cert-pem"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decoding cert PEM: %w", err)
	}
	keyPEM, err = base64.StdEncoding.DecodeString(cliCtx.String("key-pem"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("decoding key PEM: %w", err)
	}
	return caCertPEM, certPEM, keyPEM, nil
}

// newClient builds an agent client from the client-role flags.
func newClient(cliCtx *cli.Context) (*agent.Client, error) {
	caCertPEM, certPEM, keyPEM, err := decodePEMFlags(cliCtx)
	if err != nil {
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(cliCtx.String("server-addr"))
	if err != nil {
		return nil, fmt.Errorf("parsing server addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing server port: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	certs := &agent.Certs{
		CA:     agent.CACert{CertPEMBytes: caCertPEM},
		Client: agent.Cert{CertPEMBytes: certPEM, KeyPEMBytes: keyPEM},
	}
	return agent.NewClient(logger.Sugar(), certs, host, port)
}

func messageCommand() *cli.Command {
	return &cli.Command{
		Name:  "message",
		Usage: "query the worker's message and print it",
		Flags: clientFlags(),
		Action: func(cliCtx *cli.Context) error {
			client, err := newClient(cliCtx)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cliCtx.Context, 10*time.Second)
			defer cancel()
			msg, err := client.Message(ctx)
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func doneCommand() *cli.Command {
	return &cli.Command{
		Name:  "done",
		Usage: "send the fire-and-forget done signal to the worker",
		Flags: clientFlags(),
		Action: func(cliCtx *cli.Context) error {
			client, err := newClient(cliCtx)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cliCtx.Context, 10*time.Second)
			defer cancel()
			return client.Done(ctx)
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "stream the worker's periodic timestamp lines to stdout",
		Flags: clientFlags(),
		Action: func(cliCtx *cli.Context) error {
			client, err := newClient(cliCtx)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			client.StartHeartbeat()
			defer client.StopHeartbeat()

			lines, err := client.Watch(ctx)
			if err != nil {
				return err
			}
			for line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
}

func genCertsCommand() *cli.Command {
	return &cli.Command{
		Name:  "gen-certs",
		Usage: "generate a cert bundle and print it as export lines for the server and client roles",
		Action: func(cliCtx *cli.Context) error {
			certs, err := agent.GenerateCerts()
			if err != nil {
				return fmt.Errorf("generating certs: %w", err)
			}
			enc := base64.StdEncoding.EncodeToString
			fmt.Printf("export TICKBEAT_CA_CERT_PEM=%s\n", enc(certs.CA.CertPEMBytes))
			fmt.Printf("export TICKBEAT_SERVER_CERT_PEM=%s\n", enc(certs.Server.CertPEMBytes))
			fmt.Printf("export TICKBEAT_SERVER_KEY_PEM=%s\n", enc(certs.Server.KeyPEMBytes))
			fmt.Printf("export TICKBEAT_CLIENT_CERT_PEM=%s\n", enc(certs.Client.CertPEMBytes))
			fmt.Printf("export TICKBEAT_CLIENT_KEY_PEM=%s\n", enc(certs.Client.KeyPEMBytes))
			return nil
		},
	}
}
