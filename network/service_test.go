package network

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-blobtransfer/blockrange"
)

// blockService is an in-memory block blob HTTP API.
type blockService struct {
	t         *testing.T
	container string
	token     string

	mu        sync.Mutex
	staged    map[string]map[string][]byte
	committed map[string][]blockrange.Block
	objects   map[string][]byte
	commits   []commitRequest
	stageHits int
	failStage int
}

func newBlockService(t *testing.T) (*blockService, *httptest.Server) {
	svc := &blockService{
		t:         t,
		container: "artifacts",
		token:     "secret",
		staged:    map[string]map[string][]byte{},
		committed: map[string][]blockrange.Block{},
		objects:   map[string][]byte{},
	}
	server := httptest.NewServer(svc)
	t.Cleanup(server.Close)
	return svc, server
}

func (s *blockService) endpoint(baseURL string) HTTPEndpoint {
	return HTTPEndpoint{BaseURL: baseURL, Token: s.token, Container: s.container}
}

func (s *blockService) put(object string, data []byte, blockSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[object] = data
	var blocks []blockrange.Block
	for i := 0; i*blockSize < len(data); i++ {
		end := (i + 1) * blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, blockrange.Block{Name: BlockID(i), Size: int64(end - i*blockSize)})
	}
	s.committed[object] = blocks
}

func (s *blockService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	object, ok := strings.CutPrefix(r.URL.Path, "/"+s.container+"/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch comp := r.URL.Query().Get("comp"); {
	case comp == "block" && r.Method == http.MethodPut:
		s.stageHits++
		if s.failStage > 0 {
			s.failStage--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		data, _ := io.ReadAll(r.Body)
		id := r.URL.Query().Get("blockid")
		if s.staged[object] == nil {
			s.staged[object] = map[string][]byte{}
		}
		s.staged[object][id] = data
		w.Header().Set("ETag", fmt.Sprintf("%q", id))
		w.WriteHeader(http.StatusCreated)
	case comp == "blocklist" && r.Method == http.MethodGet:
		s.serveBlockList(w, object)
	case comp == "blocklist" && r.Method == http.MethodPut:
		s.commit(w, r, object)
	case comp == "blocklist" && r.Method == http.MethodDelete:
		delete(s.staged, object)
		w.WriteHeader(http.StatusNoContent)
	case comp == "" && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		data, ok := s.objects[object]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, object, time.Time{}, bytes.NewReader(data))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *blockService) serveBlockList(w http.ResponseWriter, object string) {
	committed, isCommitted := s.committed[object]
	staged := s.staged[object]
	if !isCommitted && len(staged) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var ids []string
	for id := range staged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var uncommitted []blockrange.Block
	for _, id := range ids {
		uncommitted = append(uncommitted, blockrange.Block{Name: id, Size: int64(len(staged[id]))})
	}

	response := blockListResponse{Groups: []blockrange.BlockGroup{
		{Kind: blockrange.Committed, Blocks: committed},
		{Kind: blockrange.Uncommitted, Blocks: uncommitted},
	}}
	if isCommitted {
		size := int64(len(s.objects[object]))
		response.ObjectSize = &size
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.t.Errorf("encode block list: %s", err)
	}
}

func (s *blockService) commit(w http.ResponseWriter, r *http.Request, object string) {
	var request commitRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var data []byte
	var blocks []blockrange.Block
	for _, id := range request.BlockIDs {
		block, ok := s.staged[object][id]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprintf(w, "unknown block %s\n", id)
			return
		}
		data = append(data, block...)
		blocks = append(blocks, blockrange.Block{Name: id, Size: int64(len(block))})
	}
	if int64(len(data)) != request.Size {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.objects[object] = data
	s.committed[object] = blocks
	delete(s.staged, object)
	s.commits = append(s.commits, request)
	w.WriteHeader(http.StatusCreated)
}

func (s *blockService) object(name string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[name]
}

func (s *blockService) commitRequests() []commitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]commitRequest(nil), s.commits...)
}

func (s *blockService) stagedCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.staged[name])
}

func (s *blockService) stageRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageHits
}
