package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/tluk11/Bit-Torrent/gobt/swarm"
	"github.com/tluk11/Bit-Torrent/gobt/torrent"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <port> [--peer <ip> <port>]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "the metainfo file path is read from standard input\n")
	os.Exit(2)
}

func printTorrentInfo(tor *torrent.Torrent) {
	fmt.Println("=== Torrent Information ===")
	fmt.Printf("Name: %s\n", tor.Name)
	fmt.Printf("File size: %d bytes (%.2f MB)\n", tor.Length, float64(tor.Length)/(1024*1024))
	fmt.Printf("Piece length: %d bytes\n", tor.PieceLength)
	fmt.Printf("Number of pieces: %d\n", tor.NumPieces)
	fmt.Printf("Info hash: %x\n", tor.InfoHash)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil || port <= 0 {
		usage()
	}

	cfg := swarm.Config{Port: port}
	if len(os.Args) > 2 {
		if os.Args[2] != "--peer" || len(os.Args) != 5 {
			usage()
		}
		peerPort, err := strconv.Atoi(os.Args[4])
		if err != nil || peerPort <= 0 {
			usage()
		}
		cfg.SkipTracker = true
		cfg.ManualPeers = []string{net.JoinHostPort(os.Args[3], os.Args[4])}
	}

	stdin := bufio.NewReader(os.Stdin)
	fmt.Print("Torrent file: ")
	path, err := stdin.ReadString('\n')
	if err != nil {
		log.Fatalln(err)
	}
	path = strings.TrimSpace(path)

	tor, err := torrent.NewTorrent(path)
	if err != nil {
		log.Fatalf("failed to parse %s: %v", path, err)
	}
	printTorrentInfo(tor)

	if !cfg.SkipTracker {
		// ask once up front whether to stay around and seed
		fmt.Print("Seed after the download completes? (y/n): ")
		answer, _ := stdin.ReadString('\n')
		cfg.Seed = strings.HasPrefix(strings.TrimSpace(answer), "y") ||
			strings.HasPrefix(strings.TrimSpace(answer), "Y")
	}

	sw, err := swarm.NewSwarm(tor, cfg)
	if err != nil {
		log.Fatalln(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nshutting down...")
		sw.Stop()
	}()

	if err := sw.Run(); err != nil {
		log.Fatalf("download failed: %v", err)
	}
	fmt.Printf("done: %s\n", tor.Name)
}
