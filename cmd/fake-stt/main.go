// Command fake-stt serves an OpenAI-compatible transcription endpoint that
// returns a fixed text, for running the service locally without an STT account.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/meeting-live-service/internal/audio"
)

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

type fakeServer struct {
	text   string
	delay  time.Duration
	logger *slog.Logger
}

func main() {
	var addr string
	server := &fakeServer{
		logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}

	cmd := &cobra.Command{
		Use:   "fake-stt",
		Short: "Serve a fake speech-to-text endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /v1/audio/transcriptions", server.handleTranscribe)
			mux.HandleFunc("POST /openai/v1/audio/transcriptions", server.handleTranscribe)

			server.logger.Info("Fake transcription server starting",
				slog.String("address", addr),
				slog.String("endpoint", fmt.Sprintf("http://%s/v1/audio/transcriptions", addr)),
			)
			return http.ListenAndServe(addr, mux)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:9000", "Listen address")
	cmd.Flags().StringVar(&server.text, "text", "This is a test transcription.", "Text returned for every request")
	cmd.Flags().DurationVar(&server.delay, "delay", 200*time.Millisecond, "Simulated processing time")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func (s *fakeServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	if r.FormValue("model") == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid audio: %v", err), http.StatusBadRequest)
		return
	}

	s.logger.Info("Transcription request received",
		slog.String("filename", header.Filename),
		slog.Int("size", len(data)),
		slog.String("model", r.FormValue("model")),
		slog.String("language", r.FormValue("language")),
		slog.Float64("duration", info.Duration),
		slog.Uint64("sample_rate", uint64(info.SampleRate)),
	)

	pcm, _, err := audio.DecodeWAV(data)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid audio: %v", err), http.StatusBadRequest)
		return
	}

	time.Sleep(s.delay)

	// Digital silence transcribes to nothing, as real providers do
	text := s.text
	if isSilent(pcm) {
		text = ""
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcriptionResponse{
		Text:     text,
		Language: r.FormValue("language"),
		Duration: info.Duration,
	})
}

func isSilent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
