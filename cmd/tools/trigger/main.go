package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// trigger asks a running server to ingest and waits for the job to finish.
func main() {
	base := flag.String("server", "http://localhost:8080", "Server base URL")
	wait := flag.Duration("wait", 15*time.Minute, "How long to wait for the job")
	flag.Parse()

	adminSecret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	if adminSecret == "" {
		fmt.Println("Missing ADMIN_SECRET environment variable")
		os.Exit(1)
	}
	client := &http.Client{Timeout: 30 * time.Second}

	var started struct {
		JobID string `json:"job_id"`
	}
	status, err := call(client, http.MethodPost, strings.TrimRight(*base, "/")+"/api/v1/ingest", adminSecret, &started)
	if err != nil {
		fmt.Printf("Error triggering ingestion: %v\n", err)
		os.Exit(1)
	}
	if status != http.StatusAccepted {
		fmt.Printf("Response Status: %d\n", status)
		os.Exit(1)
	}
	fmt.Printf("Job %s started\n", started.JobID)

	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) {
		time.Sleep(2 * time.Second)
		var job map[string]any
		if _, err := call(client, http.MethodGet, strings.TrimRight(*base, "/")+"/api/v1/ingest/jobs/"+started.JobID, adminSecret, &job); err != nil {
			fmt.Printf("Error polling job: %v\n", err)
			continue
		}
		switch job["status"] {
		case "running":
			continue
		case "completed":
			fmt.Printf("Job completed: %v\n", job["result"])
			return
		default:
			fmt.Printf("Job %v: %v\n", job["status"], job["error"])
			os.Exit(1)
		}
	}
	fmt.Println("Timed out waiting for the job")
	os.Exit(1)
}

func call(client *http.Client, method, url, secret string, out any) (int, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("X-Admin-Secret", secret)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if len(body) > 0 {
		if err := sonic.Unmarshal(body, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}
