// Command replay_log feeds a recorded honeypot capture into a live log
// file at a configurable pace, re-stamping each event to the current
// time. Useful for demoing the deception pipeline without a deployed
// honeypot.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

func main() {
	srcPath := flag.String("src", "data/honeypot/sample_capture.ndjson", "Recorded NDJSON capture to replay")
	dstPath := flag.String("dst", "data/honeypot/honeypot.ndjson", "Live log file the control plane tails")
	delay := flag.Duration("delay", 2*time.Second, "Pause between events")
	loop := flag.Bool("loop", false, "Restart from the top when the capture ends")
	flag.Parse()

	log.Printf("Replaying honeypot capture...")
	log.Printf("Source: %s", *srcPath)
	log.Printf("Target: %s", *dstPath)

	dst, err := os.OpenFile(*dstPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("Failed to open target log: %v", err)
	}
	defer dst.Close()

	total := 0
	for {
		n, err := replayOnce(*srcPath, dst, *delay)
		if err != nil {
			log.Fatalf("Replay failed: %v", err)
		}
		total += n
		if !*loop {
			break
		}
		log.Printf("Capture exhausted after %d events, looping...", total)
	}

	log.Printf("✓ Replay complete, %d events written", total)
}

func replayOnce(srcPath string, dst *os.File, delay time.Duration) (int, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	written := 0
	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev domain.HoneypotEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("Warning: skipping malformed line: %v", err)
			continue
		}
		ev.Timestamp = time.Now().UTC()

		out, err := json.Marshal(ev)
		if err != nil {
			return written, err
		}
		if _, err := dst.Write(append(out, '\n')); err != nil {
			return written, err
		}
		written++

		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return written, scanner.Err()
}
