//go:build !prod

package gotov8

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
)

// allLabels subscribes a websocket client to every reload.
const allLabels = "*"

// HotReload watches script files. A change drops the cached artifacts of the
// file, runs the handlers registered with Engine.Watch and tells connected
// websocket clients to reload.
type HotReload struct {
	engine           *Engine
	logger           *slog.Logger
	mu               sync.Mutex
	connectedClients map[string][]*websocket.Conn
	handlers         map[string][]func(label string)
	watcher          *fsnotify.Watcher
	server           *http.Server
	done             chan struct{}
}

// newHotReload creates a new HotReload instance
func newHotReload(engine *Engine) (*HotReload, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to start watcher: %w", err)
	}
	hr := &HotReload{
		engine:           engine,
		logger:           engine.Logger,
		connectedClients: make(map[string][]*websocket.Conn),
		handlers:         make(map[string][]func(string)),
		watcher:          watcher,
		done:             make(chan struct{}),
	}
	go hr.startWatcher()
	return hr, nil
}

// initDevTools starts the watcher and the reload server when a watch dir is set
func (engine *Engine) initDevTools() error {
	if engine.Config.IsProduction() || engine.Config.WatchDir == "" {
		return nil
	}
	hr, err := engine.hotReload()
	if err != nil {
		return err
	}
	if err := hr.addTree(engine.Config.WatchDir); err != nil {
		return err
	}
	go hr.startServer()
	return nil
}

func (engine *Engine) hotReload() (*HotReload, error) {
	if engine.HotReload != nil {
		return engine.HotReload, nil
	}
	hr, err := newHotReload(engine)
	if err != nil {
		return nil, err
	}
	engine.HotReload = hr
	return hr, nil
}

// Watch calls fn with the file's absolute path whenever the script at path
// changes. Cached compile artifacts for it are dropped before fn runs.
func (engine *Engine) Watch(path string, fn func(label string)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	hr, err := engine.hotReload()
	if err != nil {
		return err
	}
	hr.mu.Lock()
	hr.handlers[abs] = append(hr.handlers[abs], fn)
	hr.mu.Unlock()
	return hr.watcher.Add(filepath.Dir(abs))
}

func (engine *Engine) stopHotReload() {
	if engine.HotReload != nil {
		engine.HotReload.Stop()
	}
}

// addTree watches every directory below root
func (hr *HotReload) addTree(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return hr.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add files in directory to watcher: %w", err)
	}
	return nil
}

// startServer starts the hot reload websocket server
func (hr *HotReload) startServer() {
	port := hr.engine.Config.HotReloadServerPort
	hr.logger.Info("Hot reload websocket running", "port", port)
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hr.logger.Error("Failed to upgrade websocket", "error", err)
			return
		}
		// Client should send the label it follows, or "*", as first message
		_, label, err := ws.ReadMessage()
		if err != nil {
			hr.logger.Error("Failed to read message from websocket", "error", err)
			return
		}
		err = ws.WriteMessage(websocket.TextMessage, []byte("Connected"))
		if err != nil {
			hr.logger.Error("Failed to write message to websocket", "error", err)
			return
		}
		hr.mu.Lock()
		hr.connectedClients[string(label)] = append(hr.connectedClients[string(label)], ws)
		hr.mu.Unlock()
	})
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	hr.mu.Lock()
	hr.server = server
	hr.mu.Unlock()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		hr.logger.Error("Hot reload server quit unexpectedly", "error", err)
	}
}

// startWatcher dispatches file events until Stop
func (hr *HotReload) startWatcher() {
	for {
		select {
		case event, ok := <-hr.watcher.Events:
			if !ok {
				return
			}
			// Watch for file created, deleted, updated, or renamed events
			if event.Op == fsnotify.Chmod {
				continue
			}
			hr.fileChanged(event.Name)
		case err, ok := <-hr.watcher.Errors:
			if !ok {
				return
			}
			hr.logger.Error("Error watching files", "error", err)
		case <-hr.done:
			return
		}
	}
}

func (hr *HotReload) fileChanged(name string) {
	label, err := filepath.Abs(name)
	if err != nil {
		label = name
	}
	hr.logger.Info("Script changed, reloading", "file", label)
	if err := hr.engine.Cache.InvalidateLabel(label); err != nil {
		hr.logger.Error("Failed to invalidate cached script", "file", label, "error", err)
	}

	hr.mu.Lock()
	handlers := slices.Clone(hr.handlers[label])
	hr.mu.Unlock()
	for _, fn := range handlers {
		fn(label)
	}
	go hr.broadcastFileUpdateToClients(label)
}

// broadcastFileUpdateToClients tells clients following label, or every label, to reload
func (hr *HotReload) broadcastFileUpdateToClients(label string) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	for _, key := range []string{label, allLabels} {
		clients := hr.connectedClients[key][:0]
		for _, ws := range hr.connectedClients[key] {
			// drop clients that went away
			if err := ws.WriteMessage(websocket.TextMessage, []byte("reload "+label)); err != nil {
				ws.Close()
				continue
			}
			clients = append(clients, ws)
		}
		hr.connectedClients[key] = clients
	}
}

// Stop closes the watcher, the server and every client connection
func (hr *HotReload) Stop() {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	select {
	case <-hr.done:
		return
	default:
		close(hr.done)
	}
	if err := hr.watcher.Close(); err != nil {
		hr.logger.Error("Failed to close watcher", "error", err)
	}
	if hr.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := hr.server.Shutdown(ctx); err != nil {
			hr.logger.Error("Failed to stop hot reload server", "error", err)
		}
	}
	for key, clients := range hr.connectedClients {
		for _, ws := range clients {
			ws.Close()
		}
		delete(hr.connectedClients, key)
	}
}
