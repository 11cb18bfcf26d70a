package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"study-notify/internal/logger"
	"study-notify/internal/models"
	"study-notify/internal/notify"
)

// watch is a terminal client: it submits or attaches to a notes job and
// prints every progress event until the job reaches a terminal state,
// exercising the push channel with polling fallback end to end.
func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	owner := flag.String("owner", "", "owner id (required)")
	jobID := flag.String("job", "", "existing job id to track")
	sourceURL := flag.String("url", "", "PDF url to submit as a new job")
	title := flag.String("title", "", "document title for a new job")
	flag.Parse()

	log := logger.Setup(true)

	if *owner == "" {
		fmt.Fprintln(os.Stderr, "usage: watch -owner <id> [-job <id> | -url <pdf url>]")
		os.Exit(2)
	}
	if *jobID == "" && *sourceURL == "" {
		fmt.Fprintln(os.Stderr, "either -job or -url is required")
		os.Exit(2)
	}

	id := *jobID
	if id == "" {
		created, err := submitJob(*server, *owner, *sourceURL, *title)
		if err != nil {
			log.Fatal().Err(err).Msg("submit job")
		}
		id = created
		fmt.Printf("submitted job %s\n", id)
	}

	wsURL := "ws" + strings.TrimPrefix(*server, "http") + "/ws"
	done := make(chan struct{})

	client := notify.NewClient(notify.ClientOptions{
		OwnerID: *owner,
		Dial:    notify.WebsocketTransportFactory(wsURL),
		Store:   &apiJobReader{base: *server, owner: *owner, client: &http.Client{Timeout: 10 * time.Second}},
		Logger:  log,
	})
	defer client.Close()

	client.On(notify.Callbacks{
		OnConnect: func() {
			fmt.Println("connected to push channel")
		},
		OnDisconnect: func() {
			fmt.Println("push channel lost, polling")
		},
		OnJobProgress: func(ev models.JobEvent) {
			fmt.Printf("[%3d%%] %-12s %s\n", ev.Progress, ev.Stage, ev.Message)
		},
		OnJobCompleted: func(ev models.JobEvent) {
			fmt.Printf("[100%%] completed: %v\n", ev.Result)
			close(done)
		},
		OnJobFailed: func(ev models.JobEvent) {
			if ev.Error != nil {
				fmt.Printf("failed (%s): %s\n", ev.Error.Code, ev.Error.Message)
			} else {
				fmt.Println("failed")
			}
			close(done)
		},
	})

	client.Connect()
	client.TrackJob(id)

	<-done
}

func submitJob(base, owner, sourceURL, title string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"payload": map[string]any{"source_url": sourceURL, "title": title},
	})
	req, err := http.NewRequest(http.MethodPost, base+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-ID", owner)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit: status %d", resp.StatusCode)
	}

	var out struct {
		Job models.Job `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Job.ID, nil
}

// apiJobReader backs the polling fallback with the server's job read
// endpoint, so the CLI needs no database access.
type apiJobReader struct {
	base   string
	owner  string
	client *http.Client
}

func (r *apiJobReader) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/jobs/"+jobID, nil)
	if err != nil {
		return models.Job{}, err
	}
	req.Header.Set("X-Owner-ID", r.owner)

	resp, err := r.client.Do(req)
	if err != nil {
		return models.Job{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Job{}, fmt.Errorf("get job: status %d", resp.StatusCode)
	}

	var job models.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return models.Job{}, err
	}
	return job, nil
}
