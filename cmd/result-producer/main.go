package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/arcade-points/internal/kafka"
)

var games = []string{
	"sudoku", "frog", "tiles", "minesweeper", "nonogram", "snake", "memory",
	"mahjong", "solitaire", "wordsearch", "2048", "lights-out", "sliding-puzzle",
}

var difficulties = []string{"easy", "medium", "hard"}

// player is a synthetic user walking up the levels of each game
type player struct {
	id     string
	levels map[string]int
}

func newPlayers(n int) []*player {
	players := make([]*player, n)
	for i := range players {
		players[i] = &player{id: uuid.NewString(), levels: make(map[string]int)}
	}
	return players
}

// nextResult plays the player's current level of a random game. Wins advance
// the level; a share of results replay an older level to exercise replay
// suppression.
func (p *player) nextResult(rng *rand.Rand) kafka.PlayResultMessage {
	game := games[rng.Intn(len(games))]
	level := p.levels[game] + 1
	if level > 1 && rng.Intn(100) < 15 {
		level = rng.Intn(level-1) + 1
	}
	won := rng.Intn(100) < 65
	if won && level > p.levels[game] {
		p.levels[game] = level
	}

	return kafka.PlayResultMessage{
		UserID:      p.id,
		GameID:      game,
		Level:       level,
		Difficulty:  difficulties[rng.Intn(len(difficulties))],
		Won:         won,
		SubmittedAt: time.Now().UTC(),
	}
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "play-results", "Kafka topic")
	totalPlayers := flag.Int("players", 200, "Number of synthetic players")
	resultsPerSecond := flag.Int("rate", 50, "Play results per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	duplicates := flag.Int("duplicates", 5, "Percent of results published twice")
	flag.Parse()

	if *totalPlayers <= 0 || *resultsPerSecond <= 0 {
		log.Fatal("players and rate must be positive")
	}

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("Play result producer")
	fmt.Printf("  Brokers:      %s\n", *brokers)
	fmt.Printf("  Topic:        %s\n", *topic)
	fmt.Printf("  Players:      %d\n", *totalPlayers)
	fmt.Printf("  Results/sec:  %d\n", *resultsPerSecond)
	fmt.Printf("  Duplicates:   %d%%\n", *duplicates)
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	// Handle producer errors and successes
	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	shutdown := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	// Key by user so one user's results stay ordered within a partition
	send := func(msg kafka.PlayResultMessage) {
		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("Failed to marshal message: %v", err)
			return
		}
		producer.Input() <- &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(msg.UserID),
			Value: sarama.ByteEncoder(data),
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	players := newPlayers(*totalPlayers)

	ticker := time.NewTicker(time.Second / time.Duration(*resultsPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var produced int64
	for {
		select {
		case <-sigChan:
			shutdown("Interrupted")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached")
				return
			}

			msg := players[rng.Intn(len(players))].nextResult(rng)
			send(msg)
			if rng.Intn(100) < *duplicates {
				send(msg)
			}
			produced++

		case <-statsTicker.C:
			fmt.Printf("[%s] Results: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				produced,
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
