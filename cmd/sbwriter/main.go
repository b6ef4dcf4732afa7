package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-servicebus/internal/config"
	"go-servicebus/internal/observability"
	"go-servicebus/pkg/models"
	"go-servicebus/pkg/servicebus"

	"github.com/sirupsen/logrus"
)

func main() {
	file := flag.String("file", "", "file whose lines are published, one message per line (default stdin)")
	batchSize := flag.Int("batch", 0, "messages per batch (default SERVICEBUS_WRITER_BATCH_SIZE)")
	template := flag.String("template", "", "template stamped on every message (default SERVICEBUS_WRITER_TEMPLATE)")
	flag.Parse()

	logger := observability.GetLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	observability.InitLogger(cfg.Logging.Level)

	if *batchSize > 0 {
		cfg.Writer.BatchSize = *batchSize
	}
	if *template != "" {
		cfg.Writer.Template = *template
	}

	lines, err := readLines(*file)
	if err != nil {
		logger.WithError(err).Fatal("Failed to read input")
	}

	batchID := models.NewBatchID()
	msgs := make([]*models.Message, 0, len(lines))
	for _, line := range lines {
		msgs = append(msgs, models.NewMessage(cfg.Writer.Template, batchID, line))
	}

	metrics := observability.NewInMemoryMetrics()
	publisher, err := servicebus.NewPublisher(cfg.PublisherConfig(logger, metrics))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create publisher")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"destination": cfg.WriterDestination().String(),
		"messages":    len(msgs),
		"batch_size":  cfg.Writer.BatchSize,
		"batch_id":    batchID,
	}).Info("Publishing")

	started := time.Now()
	result, err := publisher.Publish(ctx, msgs, cfg.Writer.BatchSize)
	elapsed := time.Since(started)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := publisher.Close(closeCtx); cerr != nil {
		logger.WithError(cerr).Warn("Failed to close publisher")
	}

	if result == nil {
		logger.WithError(err).Fatal("Publish failed")
	}
	for _, o := range result.Failed() {
		logger.WithError(o.Err).WithFields(logrus.Fields{
			"message_id": o.Message.ID,
			"batch":      o.Batch,
		}).Warn("Message not sent")
	}

	sent := len(result.Outcomes) - result.FailureCount()
	logger.WithFields(logrus.Fields{
		"sent":       sent,
		"failed":     result.FailureCount(),
		"batches":    result.Batches,
		"elapsed":    elapsed.String(),
		"per_second": fmt.Sprintf("%.1f", float64(sent)/elapsed.Seconds()),
	}).Info("Publish complete")

	if err != nil || result.FailureCount() > 0 {
		os.Exit(1)
	}
}

func readLines(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
