package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nahuperdomo/entrevista-chat/assignments"
	"github.com/nahuperdomo/entrevista-chat/config"
	"github.com/nahuperdomo/entrevista-chat/protocol"
	"github.com/nahuperdomo/entrevista-chat/recorder"
	"github.com/nahuperdomo/entrevista-chat/session"
	"github.com/nahuperdomo/entrevista-chat/transport"
	"github.com/nahuperdomo/entrevista-chat/upload"
)

func main() {
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	executionID := flag.String("execution", "", "Interview execution ID to join")
	listDevices := flag.Bool("list-devices", false, "List available audio input devices")
	deviceID := flag.Int("device", 0, "Audio input device ID to use")
	dropDir := flag.String("drop-dir", "", "Directory watched for attachment drops (overrides ENTREVISTA_DROP_DIR)")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *listDevices {
		devices, err := recorder.ListInputDevices()
		if err != nil {
			slog.Error("Failed to list audio devices", "error", err)
			os.Exit(1)
		}

		fmt.Println("Available audio input devices:")
		for i, device := range devices {
			fmt.Printf("[%d] %s\n", i, device.Name)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *dropDir != "" {
		cfg.DropDir = *dropDir
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if *executionID == "" {
		slog.Error("An interview execution ID is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg, *executionID, *deviceID); err != nil {
		slog.Error("Session ended with error", "error", err)
		os.Exit(1)
	}

	slog.Debug("Program exiting")
}

func run(ctx context.Context, cfg *config.Config, executionID string, deviceID int) error {
	manager := transport.New(cfg.ServerURL)
	defer manager.Disconnect()

	tracker := assignments.New(cfg.AssignmentsURL, cfg.Token)

	view := &renderer{}
	sess := session.New(manager, tracker,
		session.WithJoinTimeout(cfg.JoinTimeout()),
		session.WithListeners(session.Listeners{
			OnHistoryChanged: func() { view.refresh() },
			OnTypingChanged: func(typing bool) {
				if typing {
					fmt.Println("… el agente está escribiendo")
				}
			},
			OnStateChanged: func(state session.State) {
				switch state {
				case session.StateDisconnected:
					fmt.Println("[sin conexión — reintentando]")
				case session.StateActive:
					fmt.Println("[conectado]")
				}
			},
			OnError: func(err error) {
				fmt.Printf("[error] %v\n", err)
			},
			OnCompleted: func() {
				fmt.Println("────────────────────────────────")
				fmt.Println(" Entrevista completada. ¡Gracias!")
				fmt.Println("────────────────────────────────")
			},
		}))
	defer sess.Close()

	if err := manager.Connect(ctx, cfg.Token); err != nil {
		return err
	}

	view.sess = sess

	if err := sess.Join(ctx, executionID); err != nil {
		return err
	}

	pipeline := upload.New(cfg.UploadURL, cfg.Token, sess,
		upload.WithTimeout(cfg.UploadTimeout()),
		upload.WithRetries(cfg.UploadRetries, time.Second))

	rec := recorder.New(recorder.NewPortAudioSource(deviceID),
		recorder.WithTickListener(func(elapsed int) {
			fmt.Printf("\r[grabando %ds] ", elapsed)
		}))
	defer rec.Close()

	var drops <-chan string
	if cfg.DropDir != "" {
		watcher, err := upload.WatchDir(ctx, cfg.DropDir)
		if err != nil {
			return err
		}
		defer watcher.Close()
		drops = watcher.Files()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Println("Comandos: /record /stop /send /discard /attach <ruta> /quit")

	for {
		select {
		case <-ctx.Done():
			return nil

		case path, ok := <-drops:
			if !ok {
				drops = nil
				continue
			}
			go sendFile(ctx, pipeline, path, "")

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, line, sess, pipeline, rec); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, line string, sess *session.Session, pipeline *upload.Pipeline, rec *recorder.Recorder) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	switch {
	case input == "/quit":
		return true

	case input == "/record":
		if pipeline.InFlight() {
			fmt.Println("[hay una carga en curso]")
			return false
		}
		if err := rec.Start(); err != nil {
			fmt.Printf("[error] %v\n", err)
		}

	case input == "/stop":
		if err := rec.Stop(); err != nil {
			fmt.Printf("[error] %v\n", err)
			return false
		}
		fmt.Println("\n[grabación lista — /send para enviar, /discard para descartar]")

	case input == "/send":
		clip, err := rec.Take()
		if err != nil {
			fmt.Printf("[error] %v\n", err)
			return false
		}
		go func() {
			art := upload.Artifact{
				Filename:        clip.Filename,
				MimeType:        clip.MimeType,
				Data:            clip.Data,
				DurationSeconds: clip.DurationSeconds,
			}
			if err := pipeline.SendAudio(ctx, art); err != nil {
				fmt.Printf("[error] %v\n", err)
			}
		}()

	case input == "/discard":
		rec.Discard()
		fmt.Println("[grabación descartada]")

	case strings.HasPrefix(input, "/attach "):
		if pipeline.InFlight() {
			fmt.Println("[hay una carga en curso]")
			return false
		}
		path := strings.TrimSpace(strings.TrimPrefix(input, "/attach "))
		go sendFile(ctx, pipeline, path, "")

	default:
		if err := sess.SendText(input); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
	}
	return false
}

func sendFile(ctx context.Context, pipeline *upload.Pipeline, path, text string) {
	art, err := upload.FromFile(path)
	if err != nil {
		fmt.Printf("[error] %v\n", err)
		return
	}
	fmt.Printf("[subiendo %s]\n", art.Filename)
	if err := pipeline.SendFile(ctx, art, text); err != nil {
		fmt.Printf("[error] %v\n", err)
	}
}

// renderer prints conversation entries as they appear. It tracks how many
// are already on screen; a rollback of an optimistic insert just rewinds
// the count.
type renderer struct {
	mu   sync.Mutex
	seen int
	sess *session.Session
}

func (r *renderer) refresh() {
	if r.sess == nil {
		return
	}
	history := r.sess.History()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(history) < r.seen {
		r.seen = len(history)
		return
	}
	for i := r.seen; i < len(history); i++ {
		renderMessage(history[i])
	}
	r.seen = len(history)
}

func renderMessage(msg protocol.Message) {
	prefix := "agente"
	if msg.Role == protocol.RoleUser {
		prefix = "tú"
	}
	switch {
	case msg.Audio != nil:
		fmt.Printf("%s: [audio %.0fs]\n", prefix, msg.Audio.DurationSeconds)
	case msg.Attachment != nil:
		fmt.Printf("%s: %s [adjunto: %s]\n", prefix, msg.Content, msg.Attachment.Filename)
	default:
		fmt.Printf("%s: %s\n", prefix, msg.Content)
	}
}
