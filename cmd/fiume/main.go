package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/fiume/fiume/internal/logger"
	"github.com/fiume/fiume/internal/metainfo"
	"github.com/fiume/fiume/torrent"
)

const defaultConfig = "~/.fiume/config.yaml"

var (
	cfg *torrent.Config
	log = logger.New("fiume")
)

func main() {
	app := cli.NewApp()
	app.Name = "fiume"
	app.Usage = "download a file from a BitTorrent swarm"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
			Value: defaultConfig,
		},
		cli.IntFlag{
			Name:  "verbose, v",
			Usage: "verbosity: 0 warnings, 1 info, 2 debug",
			Value: 1,
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:      "download",
			Usage:     "download a torrent and exit when it is complete",
			ArgsUsage: "TORRENT_FILE",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "output, o",
					Usage: "write the file to `PATH`",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "listen port for incoming peer connections",
					Value: torrent.DefaultConfig.Port,
				},
				cli.StringSliceFlag{
					Name:  "peer",
					Usage: "connect to peer at `HOST:PORT` in addition to tracker peers",
				},
				cli.BoolFlag{
					Name:  "seed",
					Usage: "continue seeding after download completes",
				},
			},
			Action: handleDownload,
		},
		{
			Name:      "add",
			Usage:     "add a torrent to the list file of the session",
			ArgsUsage: "TORRENT_FILE OUTPUT_FILE",
			Action:    handleAdd,
		},
		{
			Name:   "session",
			Usage:  "run all torrents in the list file until interrupted",
			Action: handleSession,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	logger.SetLevel(logger.LevelFromVerbosity(c.GlobalInt("verbose")))
	var err error
	cfg, err = torrent.LoadConfig(c.GlobalString("config"))
	return err
}

func handleDownload(c *cli.Context) error {
	path := c.Args().Get(0)
	if path == "" {
		return errors.New("torrent file must be given")
	}
	path, err := homedir.Expand(path)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	mi, err := metainfo.New(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	cfg.Port = c.Int("port")
	cfg.SuggestedPeers = append(cfg.SuggestedPeers, c.StringSlice("peer")...)

	t, err := torrent.New(*cfg, mi, c.String("output"))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := t.Close(); cerr != nil {
			log.Errorln("error while closing torrent:", cerr)
		}
	}()
	fmt.Printf("downloading %s (%s) to %s\n", t.Name(), humanize.IBytes(uint64(mi.Info.TotalLength)), t.Dest())
	t.Start()

	progress := time.NewTicker(5 * time.Second)
	defer progress.Stop()
	complete := t.NotifyComplete()
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)
	for {
		select {
		case <-complete:
			fmt.Println("download completed")
			if !c.Bool("seed") {
				return nil
			}
			complete = nil
		case err = <-t.NotifyError():
			return err
		case <-progress.C:
			printStats(t.Stats())
		case s := <-sigC:
			fmt.Println("received", s)
			return nil
		}
	}
}

func printStats(s torrent.Stats) {
	fmt.Printf("%s: %d/%d pieces, %s/%s, %s down, %s up, %d peers\n",
		s.Status,
		s.Pieces.Have, s.Pieces.Total,
		humanize.IBytes(uint64(s.Bytes.Completed)), humanize.IBytes(uint64(s.Bytes.Total)),
		humanize.IBytes(uint64(s.Bytes.Downloaded)), humanize.IBytes(uint64(s.Bytes.Uploaded)),
		s.Peers.Total)
}

func handleAdd(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("torrent file and output file must be given")
	}
	torrentPath, err := filepath.Abs(c.Args().Get(0))
	if err != nil {
		return err
	}
	outputPath, err := filepath.Abs(c.Args().Get(1))
	if err != nil {
		return err
	}
	listFile, err := homedir.Expand(cfg.ListFile)
	if err != nil {
		return err
	}
	return torrent.AddToList(afero.NewOsFs(), listFile, torrentPath, outputPath)
}

func handleSession(c *cli.Context) error {
	s, err := torrent.NewSession(*cfg)
	if err != nil {
		return err
	}
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigC)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, t := range s.Torrents() {
				printStats(t.Stats())
			}
		case sig := <-sigC:
			fmt.Println("received", sig)
			return s.Close()
		}
	}
}
