// Command doctrack is the doctrack CLI client.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docsignal/doctrack/internal/version"
	"github.com/docsignal/doctrack/task"
)

const defaultServer = "http://localhost:9480"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "doctrack daemon URL")
		token     = flag.String("token", os.Getenv("DOCTRACK_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "upload":
		err = cli.cmdUpload(rest)
	case "watch":
		err = cli.cmdWatch(rest)
	case "retry":
		err = cli.cmdRetry(rest)
	case "rm":
		err = cli.cmdRemove(rest)
	case "history":
		err = cli.cmdHistory(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `doctrack — document task tracker CLI

Usage:
  doctrack [flags] <command> [args]

Flags:
  --server  <url>    daemon URL (default: http://localhost:9480)
  --token   <token>  JWT auth token (or $DOCTRACK_TOKEN)

Commands:
  version                      print version
  status                       show daemon status
  tasks                        list background tasks
  upload <file> [dept project] upload a document
  watch <request-id> [name]    watch an approval request
  retry <task-id>              retry a failed upload
  rm <task-id>                 dismiss a task
  history                      list finished tasks
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("doctrack %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, v)
}

// post performs a POST with a JSON body and decodes JSON into v (may be nil).
func (c *Client) post(path string, body, v any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, v)
}

// del performs a DELETE.
func (c *Client) del(path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, v any) error {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if v == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// --- commands ---

func (c *Client) cmdStatus(_ []string) error {
	var status map[string]any
	if err := c.get("/api/status", &status); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(out))
	return nil
}

func (c *Client) cmdTasks(_ []string) error {
	var tasks []*task.Task
	if err := c.get("/api/tasks", &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no background tasks")
		return nil
	}
	for _, t := range tasks {
		line := fmt.Sprintf("%-30s %-8s %-10s %5.1f%%", t.ID, t.Kind, t.Status, t.Progress)
		if t.Error != "" {
			line += "  " + t.Error
		}
		fmt.Println(line)
	}
	return nil
}

func (c *Client) cmdUpload(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: doctrack upload <file> [dept-id project-id]")
	}
	path := args[0]
	deptID, projectID := 1, 1
	if len(args) >= 3 {
		var err error
		if deptID, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("bad dept-id %q", args[1])
		}
		if projectID, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("bad project-id %q", args[2])
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	_ = mw.WriteField("dept_id", strconv.Itoa(deptID))
	_ = mw.WriteField("project_id", strconv.Itoa(projectID))
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+"/api/uploads", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &resp); err != nil {
		return err
	}
	fmt.Printf("enqueued upload %s\n", resp.ID)
	return nil
}

func (c *Client) cmdWatch(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: doctrack watch <request-id> [name]")
	}
	requestID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad request-id %q", args[0])
	}
	name := ""
	if len(args) > 1 {
		name = args[1]
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post("/api/watches", map[string]any{"request_id": requestID, "name": name}, &resp); err != nil {
		return err
	}
	fmt.Printf("watching %s\n", resp.ID)
	return nil
}

func (c *Client) cmdRetry(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: doctrack retry <task-id>")
	}
	if err := c.post("/api/tasks/"+args[0]+"/retry", nil, nil); err != nil {
		return err
	}
	fmt.Printf("retrying %s\n", args[0])
	return nil
}

func (c *Client) cmdRemove(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: doctrack rm <task-id>")
	}
	if err := c.del("/api/tasks/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", args[0])
	return nil
}

func (c *Client) cmdHistory(_ []string) error {
	var entries []*task.Entry
	if err := c.get("/api/history", &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no finished tasks")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-30s %-8s %-10s", e.FinishedAt.Local().Format("2006-01-02 15:04:05"), e.TaskID, e.Kind, e.Status)
		if e.Error != "" {
			line += "  " + e.Error
		}
		fmt.Println(line)
	}
	return nil
}
