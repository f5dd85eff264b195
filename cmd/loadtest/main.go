// Command loadtest drives a swarm of gateway clients that post channel
// messages and flip presence, measuring round-trip time from message:send to
// the broadcast echo of the bot's own message:new.
//
// The gateway has no registration endpoint, so the target database must
// already contain users with IDs first-user..first-user+clients-1, all
// members of the given server, and the loadtest must be started with the
// gateway's jwt_secret to mint their tokens.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pulsechat/pulse/pkg/client"
	"github.com/pulsechat/pulse/pkg/protocol"
	"github.com/pulsechat/pulse/pkg/server"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64 // clients that connected and started running

	// Detailed failure tracking
	postFailures   atomic.Int64 // gateway rejected the post with an error frame
	timeouts       atomic.Int64 // echo never came back
	disconnections atomic.Int64 // connection died mid-test

	// Connect phase failure breakdown
	connectMintFailed atomic.Int64
	connectDialFailed atomic.Int64

	// Setup phase failure breakdown
	setupJoinFailed  atomic.Int64
	setupProbeFailed atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordPostFailure() {
	s.messagesFailed.Add(1)
	s.postFailures.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) recordConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Stats) snapshot() (posted, failed, connErrors int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}

	return
}

// bot is one fake client for load testing
type bot struct {
	id        int
	userID    int64
	conn      *client.Client
	stats     *Stats
	serverID  int64
	channelID int64
	seq       int
}

func (b *bot) connect(endpoint, secret string, tokenTTL time.Duration) error {
	token, err := server.MintToken(secret, b.userID, tokenTTL)
	if err != nil {
		b.stats.connectMintFailed.Add(1)
		return fmt.Errorf("mint token: %w", err)
	}

	conn, err := client.Dial(endpoint, token)
	if err != nil {
		b.stats.connectDialFailed.Add(1)
		return fmt.Errorf("dial: %w", err)
	}

	b.conn = conn
	return nil
}

// setup joins the target channel and posts a probe message. Joins have no
// ack frame, so the probe's echo is what proves membership end to end.
func (b *bot) setup() error {
	if err := b.conn.Send(protocol.EventChannelJoin, protocol.ChannelJoin{ChannelID: b.channelID}); err != nil {
		b.stats.setupJoinFailed.Add(1)
		return fmt.Errorf("join channel: %w", err)
	}

	if err := b.postMessage(); err != nil {
		b.stats.setupProbeFailed.Add(1)
		return fmt.Errorf("probe post: %w", err)
	}

	return nil
}

// postMessage sends one channel message and waits for the broadcast echo of
// that same message. Everything else read along the way (other bots'
// messages, presence churn) is discarded.
func (b *bot) postMessage() error {
	b.seq++
	tag := fmt.Sprintf("#b%d-%d", b.id, b.seq)

	// 5-20 words plus the tag that identifies the echo
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount+1)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	words = append(words, tag)
	content := strings.Join(words, " ")

	start := time.Now()
	if err := b.conn.Send(protocol.EventMessageSend, protocol.MessageSend{
		ServerID:  b.serverID,
		ChannelID: b.channelID,
		Content:   content,
	}); err != nil {
		b.stats.recordDisconnection()
		return err
	}

	_, err := b.conn.WaitFor(protocol.EventMessageNew, 10*time.Second, func(env *protocol.Envelope) bool {
		var m protocol.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return false
		}
		return m.AuthorID == b.userID && strings.HasSuffix(m.Content, tag)
	})
	if err != nil {
		var serr *client.ServerError
		switch {
		case errors.As(err, &serr):
			log.Printf("[bot %d] post rejected with %d: %s", b.id, serr.Code, serr.Message)
			b.stats.recordPostFailure()
		case errors.Is(err, client.ErrTimeout):
			b.stats.recordTimeout()
		default:
			b.stats.recordDisconnection()
		}
		return err
	}

	b.stats.recordSuccess(time.Since(start).Microseconds())
	return nil
}

// toggleStatus flips the bot between online and away, fire and forget. The
// resulting user:status broadcasts land on every connected bot, which is the
// point: presence churn is part of the load.
func (b *bot) toggleStatus() {
	status := protocol.StatusAway
	if b.seq%2 == 0 {
		status = protocol.StatusOnline
	}
	b.conn.Send(protocol.EventStatusChange, protocol.StatusChange{Status: status})
}

func (b *bot) run(stop <-chan struct{}, duration, minDelay, maxDelay, shutdownDelay time.Duration, disconnectTimes chan<- time.Time) {
	defer func() {
		b.conn.Close()
		select {
		case disconnectTimes <- time.Now():
		default:
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bot %d] panic: %v", b.id, r)
		}
	}()

	endTime := time.Now().Add(duration)
	iteration := 0

	for time.Now().Before(endTime) {
		select {
		case <-stop:
			return
		default:
		}

		iteration++

		if err := b.postMessage(); err != nil {
			var serr *client.ServerError
			if !errors.As(err, &serr) && !errors.Is(err, client.ErrTimeout) {
				// Connection is gone; no point hammering it.
				return
			}
		}

		// Mix in presence churn every few posts
		if iteration%3 == 0 {
			b.toggleStatus()
		}

		// Think time doubles as queue drain so broadcasts from the rest of
		// the swarm don't back up behind a sleeping bot.
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		b.conn.Drain(delay)
	}

	// Stagger shutdown to avoid a thundering herd of close frames
	if shutdownDelay > 0 {
		b.conn.Drain(shutdownDelay)
	}
}

func initLogging() error {
	// Truncate on each run to avoid confusion
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	return nil
}

func main() {
	// Command-line flags
	serverAddr := flag.String("server", "localhost:8080", "Gateway address (host:port)")
	secret := flag.String("secret", "", "JWT secret shared with the gateway (required)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	firstUser := flag.Int64("first-user", 1, "First seeded user ID; bot i authenticates as first-user+i")
	serverID := flag.Int64("server-id", 1, "Chat server the seeded users are members of")
	channelID := flag.Int64("channel-id", 1, "Channel to post into")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum think time between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum think time between posts")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "-secret is required and must match the gateway's jwt_secret")
		os.Exit(1)
	}

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")

	endpoint := fmt.Sprintf("ws://%s/ws", *serverAddr)
	tokenTTL := *duration + 10*time.Minute

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Gateway: %s", endpoint)
	log.Printf("  Clients: %d (user IDs %d-%d)", *numClients, *firstUser, *firstUser+int64(*numClients)-1)
	log.Printf("  Target: server %d, channel %d", *serverID, *channelID)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Think time: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	var wg sync.WaitGroup

	// Start stats reporter
	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				posted, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				rate := float64(posted) / elapsed
				avgMs := avgUs / 1000.0
				load := getCPULoad()
				goroutines := runtime.NumGoroutine()

				log.Printf("Stats: %d posted (%.1f/s), %d failed, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					posted, rate, failed, connErrors, avgMs, load, goroutines)
			case <-stopStats:
				return
			}
		}
	}()

	// Track ramp-up and ramp-down timing
	rampUpStart := time.Now()
	var firstConnectTime, lastConnectTime atomic.Value
	var firstDisconnectTime, lastDisconnectTime atomic.Value
	connectTimes := make(chan time.Time, *numClients)
	disconnectTimes := make(chan time.Time, *numClients)

	// Closed on SIGINT/SIGTERM; bots notice at their next iteration
	stop := make(chan struct{})

	// Spawn clients
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order so disconnects ramp down the way connects ramped up
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			b := &bot{
				id:        id,
				userID:    *firstUser + int64(id),
				stats:     stats,
				serverID:  *serverID,
				channelID: *channelID,
			}

			if err := b.connect(endpoint, *secret, tokenTTL); err != nil {
				stats.recordConnectionError()
				return
			}

			if err := b.setup(); err != nil {
				stats.recordConnectionError()
				b.conn.Close()
				return
			}

			stats.successfulClients.Add(1)

			select {
			case connectTimes <- time.Now():
			default:
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[bot %d] connected as user %d", id, b.userID)
			}

			b.run(stop, *duration, *minDelay, *maxDelay, shutdownDelay, disconnectTimes)
		}(i, shutdownDelay)

		// Stagger client connections
		time.Sleep(staggerDelay)
	}

	// Track connection and disconnection times in background
	go func() {
		for t := range connectTimes {
			if firstConnectTime.Load() == nil {
				firstConnectTime.Store(t)
			}
			lastConnectTime.Store(t)
		}
	}()

	go func() {
		for t := range disconnectTimes {
			if firstDisconnectTime.Load() == nil {
				firstDisconnectTime.Store(t)
			}
			lastDisconnectTime.Store(t)
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("\nShutdown signal received, stopping test...")
		close(stop)
	}()

	// Wait for all clients to finish
	wg.Wait()
	close(stopStats)
	close(connectTimes)
	close(disconnectTimes)

	// Check ramp-up timing
	if lastConnectTime.Load() != nil && firstConnectTime.Load() != nil {
		first := firstConnectTime.Load().(time.Time)
		last := lastConnectTime.Load().(time.Time)
		actualRampUp := last.Sub(first)
		expectedRampUp := rampUpDuration

		tolerance := 1 * time.Second
		withinTolerance := actualRampUp >= expectedRampUp-tolerance && actualRampUp <= expectedRampUp+tolerance

		status := "ok"
		if !withinTolerance {
			status = "off"
		}

		log.Printf("\nRamp-up timing (%s): expected %v, took %v (first: %v, last: %v)",
			status, expectedRampUp.Round(time.Second), actualRampUp.Round(time.Second),
			first.Sub(rampUpStart).Round(time.Millisecond), last.Sub(rampUpStart).Round(time.Millisecond))
	}

	// Check ramp-down timing
	if lastDisconnectTime.Load() != nil && firstDisconnectTime.Load() != nil {
		first := firstDisconnectTime.Load().(time.Time)
		last := lastDisconnectTime.Load().(time.Time)
		actualRampDown := last.Sub(first)
		expectedRampDown := rampUpDuration // Same as ramp-up

		tolerance := 1 * time.Second
		withinTolerance := actualRampDown >= expectedRampDown-tolerance && actualRampDown <= expectedRampDown+tolerance

		status := "ok"
		if !withinTolerance {
			status = "off"
		}

		log.Printf("Ramp-down timing (%s): expected %v, took %v (first: %v after start, last: %v after start)",
			status, expectedRampDown.Round(time.Second), actualRampDown.Round(time.Second),
			first.Sub(rampUpStart).Round(time.Second), last.Sub(rampUpStart).Round(time.Second))
	}

	// Total test duration (from first connect to last disconnect)
	if firstConnectTime.Load() != nil && lastDisconnectTime.Load() != nil {
		first := firstConnectTime.Load().(time.Time)
		last := lastDisconnectTime.Load().(time.Time)
		totalTestDuration := last.Sub(first)
		expectedTotal := *duration + rampUpDuration // ramp-up + test duration, ramp-down overlaps
		log.Printf("Total test duration: %v (expected: ~%v)\n",
			totalTestDuration.Round(time.Second),
			expectedTotal.Round(time.Second))
	}

	// Final stats
	posted, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	totalDuration := *duration
	rate := float64(posted) / totalDuration.Seconds()
	avgMs := avgUs / 1000.0

	// Expected throughput based on successful clients and average think time
	avgDelay := (*minDelay + *maxDelay) / 2
	expectedPerClient := float64(totalDuration) / float64(avgDelay)
	expectedTotal := expectedPerClient * float64(successfulClients)
	efficiency := 0.0
	if expectedTotal > 0 {
		efficiency = float64(posted) / expectedTotal * 100
	}

	postFails := stats.postFailures.Load()
	timeouts := stats.timeouts.Load()
	disconnects := stats.disconnections.Load()

	mintFails := stats.connectMintFailed.Load()
	dialFails := stats.connectDialFailed.Load()
	joinFails := stats.setupJoinFailed.Load()
	probeFails := stats.setupProbeFailed.Load()

	log.Printf("\n=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(*numClients)*100)
	log.Printf("Duration: %v", totalDuration)
	log.Printf("Messages posted: %d (%.1f/s)", posted, rate)
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Rejected by gateway: %d", postFails)
	log.Printf("  - Echo timeouts: %d", timeouts)
	log.Printf("  - Disconnections: %d", disconnects)
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  Connect phase breakdown:")
		log.Printf("    - Token mint failed: %d", mintFails)
		log.Printf("    - Dial failed: %d", dialFails)
		log.Printf("  Setup phase breakdown:")
		log.Printf("    - Channel join failed: %d", joinFails)
		log.Printf("    - Probe post failed: %d", probeFails)
	}
	log.Printf("Average response time: %.2fms", avgMs)
	log.Printf("Expected throughput: %.0f messages (%.1f per client)", expectedTotal, expectedPerClient)
	log.Printf("Actual vs expected: %.1f%% efficiency", efficiency)

	if posted > 0 {
		successRate := float64(posted) / float64(posted+failed) * 100
		log.Printf("Success rate: %.1f%%", successRate)
	}
}
