// ABOUTME: Minimal fake agent backend for local runs and E2E testing, echoes messages with markdown.
// ABOUTME: Usage: fake-foundry [-addr localhost:8045] [-name "Echo Agent"]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

func main() {
	addr := flag.String("addr", "localhost:8045", "listen address")
	name := flag.String("name", "Echo Agent", "agent display name")
	agentID := flag.String("id", "asst_echo", "agent ID")
	flag.Parse()

	f := &fakeFoundry{
		agentID:   *agentID,
		agentName: *name,
		threads:   make(map[string][]string),
	}

	log.Printf("fake agent backend on http://%s (agent %q, id %s)", *addr, *name, *agentID)
	if err := http.ListenAndServe(*addr, f.routes()); err != nil {
		log.Fatal(err)
	}
}

// fakeFoundry serves just enough of the agent REST surface for the bot:
// assistant listing, thread lifecycle, message append, and streamed runs.
// All state is in memory and gone on restart.
type fakeFoundry struct {
	agentID   string
	agentName string

	mu      sync.Mutex
	nextID  int
	threads map[string][]string // thread ID -> user messages, oldest first
}

func (f *fakeFoundry) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/assistants", f.handleAssistants)
	mux.HandleFunc("/threads", f.handleCreateThread)
	mux.HandleFunc("/threads/", f.handleThreadRoutes)
	return mux
}

func (f *fakeFoundry) handleAssistants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":     []map[string]string{{"id": f.agentID, "name": f.agentName}},
		"has_more": false,
		"last_id":  f.agentID,
	})
}

func (f *fakeFoundry) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("thread_%04d", f.nextID)
	f.threads[id] = nil
	f.mu.Unlock()

	log.Printf("created %s", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// handleThreadRoutes dispatches /threads/{id}, /threads/{id}/messages, and
// /threads/{id}/runs.
func (f *fakeFoundry) handleThreadRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/threads/")
	threadID, action, _ := strings.Cut(rest, "/")
	if threadID == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		f.deleteThread(w, threadID)
	case "messages":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		f.appendMessage(w, r, threadID)
	case "runs":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		f.streamRun(w, r, threadID)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeFoundry) deleteThread(w http.ResponseWriter, threadID string) {
	f.mu.Lock()
	_, ok := f.threads[threadID]
	delete(f.threads, threadID)
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
		return
	}

	log.Printf("deleted %s", threadID)
	writeJSON(w, http.StatusOK, map[string]any{"id": threadID, "deleted": true})
}

func (f *fakeFoundry) appendMessage(w http.ResponseWriter, r *http.Request, threadID string) {
	var body struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed message"})
		return
	}

	f.mu.Lock()
	msgs, ok := f.threads[threadID]
	if ok {
		f.threads[threadID] = append(msgs, body.Content)
	}
	n := len(f.threads[threadID])
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
		return
	}

	log.Printf("message on %s [%s]: %s", threadID, body.Role, body.Content)
	writeJSON(w, http.StatusOK, map[string]string{"id": fmt.Sprintf("msg_%04d", n)})
}

// streamRun echoes the thread's last user message back as an SSE run:
// several text deltas, a completed event, then the stream terminator.
func (f *fakeFoundry) streamRun(w http.ResponseWriter, r *http.Request, threadID string) {
	f.mu.Lock()
	msgs, ok := f.threads[threadID]
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	last := ""
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1]
	}
	reply := echoReply(last)
	log.Printf("run on %s, replying %d bytes", threadID, len(reply))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, chunk := range chunked(reply, 24) {
		writeEvent(w, "thread.message.delta", deltaPayload(chunk))
		flusher.Flush()

		// Small delay to simulate streaming
		time.Sleep(50 * time.Millisecond)
	}

	writeEvent(w, "thread.run.completed", `{"status":"completed"}`)
	writeEvent(w, "done", "[DONE]")
	flusher.Flush()
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	if input == "" {
		return "Hello! Send me a message and I will echo it back."
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}

// chunked splits s into n-rune pieces so even short replies arrive as
// several deltas.
func chunked(s string, n int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return append(out, string(runes))
}

func writeEvent(w io.Writer, name, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

func deltaPayload(chunk string) string {
	payload := map[string]any{
		"delta": map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": map[string]string{"value": chunk}},
			},
		},
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
