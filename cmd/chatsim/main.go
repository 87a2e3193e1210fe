// Command chatsim runs a local team chat server with simulated users posting
// into a few channels. Point chatsync at it to watch live traffic.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/teamchat/pkg/simserver"
)

// Persona defines a simulated user's personality
type Persona struct {
	Name      string
	Lines     []string
	PostEvery time.Duration
	EditRate  float64 // Probability of editing the previous post instead of posting
	ReplyRate float64 // Probability of answering in a thread
}

var defaultPersonas = []Persona{
	{
		Name:      "alice",
		Lines:     []string{"deploy is green", "anyone seen the flaky test?", "pushing a fix now", "lunch?"},
		PostEvery: 7 * time.Second,
		EditRate:  0.1,
		ReplyRate: 0.2,
	},
	{
		Name:      "bob",
		Lines:     []string{"looking into it", "LGTM", "can we pair on this later", "the build cache is cold again"},
		PostEvery: 11 * time.Second,
		EditRate:  0.05,
		ReplyRate: 0.3,
	},
	{
		Name:      "carol",
		Lines:     []string{"meeting moved to 3pm", "docs updated", "who owns the billing service?", "retro notes are up"},
		PostEvery: 13 * time.Second,
		EditRate:  0.15,
		ReplyRate: 0.1,
	},
	{
		Name:      "dave",
		Lines:     []string{"brb", "on call this week", "paging looks quiet", "merged"},
		PostEvery: 17 * time.Second,
		EditRate:  0.05,
		ReplyRate: 0.25,
	},
}

// SimulatedUser posts into the server on its own schedule
type SimulatedUser struct {
	persona  Persona
	srv      *simserver.Server
	channels []string
	rng      *rand.Rand
	lastPost map[string]string // channel -> our last message id
	logger   *log.Logger
}

func NewSimulatedUser(persona Persona, srv *simserver.Server, channels []string, seed int64) *SimulatedUser {
	return &SimulatedUser{
		persona:  persona,
		srv:      srv,
		channels: channels,
		rng:      rand.New(rand.NewSource(seed)),
		lastPost: make(map[string]string),
		logger:   log.New(os.Stdout, fmt.Sprintf("[%s] ", persona.Name), log.LstdFlags),
	}
}

func (u *SimulatedUser) Run(stopCh <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(u.persona.PostEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			u.act()
		}
	}
}

func (u *SimulatedUser) act() {
	channel := u.channels[u.rng.Intn(len(u.channels))]
	line := u.persona.Lines[u.rng.Intn(len(u.persona.Lines))]

	if last, ok := u.lastPost[channel]; ok {
		switch roll := u.rng.Float64(); {
		case roll < u.persona.EditRate:
			if _, err := u.srv.Edit(last, line+" (edited)"); err != nil {
				u.logger.Printf("Edit failed: %v", err)
				delete(u.lastPost, channel)
			}
			return
		case roll < u.persona.EditRate+u.persona.ReplyRate:
			u.srv.Reply(channel, last, u.persona.Name, line)
			return
		}
	}

	// Typing indicator shows briefly before the post lands
	u.srv.Typing(channel, u.persona.Name, true)
	time.Sleep(time.Duration(500+u.rng.Intn(1500)) * time.Millisecond)
	u.srv.Typing(channel, u.persona.Name, false)

	msg := u.srv.Post(channel, u.persona.Name, line)
	u.lastPost[channel] = msg.ID
	u.logger.Printf("#%s: %s", channel, line)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func main() {
	// Flags take precedence over env vars
	addr := flag.String("addr", getEnvOrDefault("CHATSIM_ADDR", "localhost:3000"), "Listen address (env: CHATSIM_ADDR)")
	token := flag.String("token", getEnvOrDefault("CHATSIM_TOKEN", ""), "Required bearer token, empty for none (env: CHATSIM_TOKEN)")
	channelList := flag.String("channels", getEnvOrDefault("CHATSIM_CHANNELS", "general,random"), "Comma separated channels (env: CHATSIM_CHANNELS)")
	numUsers := flag.Int("users", getEnvIntOrDefault("CHATSIM_USERS", 3), "Number of simulated users, max 4 (env: CHATSIM_USERS)")
	dropEvery := flag.Duration("drop-every", 0, "Drop all client connections at this interval, 0 to disable")
	debug := flag.Bool("debug", false, "Log client subscriptions and frames")
	flag.Parse()

	if *numUsers > len(defaultPersonas) {
		*numUsers = len(defaultPersonas)
	}
	if *numUsers < 1 {
		*numUsers = 1
	}
	if *debug {
		simserver.SetDebugOutput(os.Stdout)
	}

	var channels []string
	for _, ch := range strings.Split(*channelList, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		log.Fatal("at least one channel is required")
	}

	srv := simserver.NewServer(*token)
	for _, ch := range channels {
		srv.Post(ch, "system", fmt.Sprintf("Welcome to #%s", ch))
	}

	httpServer := &http.Server{Addr: *addr, Handler: srv.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	log.Printf("Starting chat simulator")
	log.Printf("  WebSocket: ws://%s/ws", *addr)
	log.Printf("  History:   http://%s/api", *addr)
	log.Printf("  Channels:  %s", strings.Join(channels, ", "))
	log.Printf("  Users:     %d", *numUsers)

	stopCh := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < *numUsers; i++ {
		user := NewSimulatedUser(defaultPersonas[i], srv, channels, time.Now().UnixNano()+int64(i))
		wg.Add(1)
		go user.Run(stopCh, &wg)
	}

	if *dropEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(*dropEvery)
			defer ticker.Stop()
			for {
				select {
				case <-stopCh:
					return
				case <-ticker.C:
					log.Printf("Dropping %d connections", srv.Sessions().Count())
					srv.DropConnections()
				}
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("Shutting down...")
	close(stopCh)
	wg.Wait()
	srv.DropConnections()
	httpServer.Close()
	log.Printf("Done")
}
