// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package gitserver hosts a bare git repository per Repo.id and serves
// it over the git smart-HTTP v1 protocol, shelling out to the system
// git binary for the actual upload-pack/receive-pack work. A successful
// receive-pack is turned into a push event for the Trigger Service.
package gitserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	lerrors "github.com/lazyaf/core/errors"
)

// RefUpdate is one (ref, old_sha, new_sha) tuple out of a receive-pack
// command list.
type RefUpdate struct {
	Ref    string
	OldSHA string
	NewSHA string
}

// PushNotifier is told about every ref update a receive-pack accepted.
type PushNotifier interface {
	NotifyPush(ctx context.Context, repoID string, refs []RefUpdate) error
}

// Server serves the smart-HTTP protocol for every repo under root.
// Repository access is keyed only by the {repo_id}.git path segment;
// credentialing is left to a reverse proxy in deployments that need it.
type Server struct {
	root     string
	notifier PushNotifier
}

// New constructs a Server rooted at the given directory, which must
// already exist.
func New(root string, notifier PushNotifier) *Server {
	return &Server{root: root, notifier: notifier}
}

// SetNotifier replaces the push notifier after construction, for callers
// whose notifier itself depends on a trigger service built from this
// Server as a GitMerger.
func (s *Server) SetNotifier(notifier PushNotifier) {
	s.notifier = notifier
}

// Routes mounts the smart-HTTP endpoints under the given chi router,
// keyed by {repo_id}.git.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/{repoID}.git/info/refs", s.handleInfoRefs)
	r.Get("/{repoID}.git/HEAD", s.handleHead)
	r.Post("/{repoID}.git/git-upload-pack", s.handlePack("upload-pack"))
	r.Post("/{repoID}.git/git-receive-pack", s.handlePack("receive-pack"))
	return r
}

// EnsureBareRepo creates a bare repository for repoID if one doesn't
// already exist, returning its path.
func (s *Server) EnsureBareRepo(ctx context.Context, repoID string) (string, error) {
	path := s.repoPath(repoID)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, "git", "init", "--bare", path) //nolint:gosec
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git init --bare %s: %w: %s", path, err, out)
	}
	return path, nil
}

func (s *Server) repoPath(repoID string) string {
	return filepath.Join(s.root, repoID+".git")
}

func (s *Server) handleInfoRefs(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repoID")
	service := strings.TrimPrefix(r.URL.Query().Get("service"), "git-")
	if service != "upload-pack" && service != "receive-pack" {
		http.Error(w, "unsupported service", http.StatusBadRequest)
		return
	}
	path, err := s.repoDir(repoID)
	if err != nil {
		writeRepoError(w, err)
		return
	}

	cmd := exec.CommandContext(r.Context(), "git", service, "--stateless-rpc", "--advertise-refs", path) //nolint:gosec
	out, err := cmd.Output()
	if err != nil {
		logrus.WithError(err).WithField("repo_id", repoID).Errorln("git advertise-refs failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-advertisement", service))
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, pktLine(fmt.Sprintf("# service=git-%s\n", service)))
	io.WriteString(w, "0000")
	w.Write(out)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	path, err := s.repoDir(chi.URLParam(r, "repoID"))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	data, err := os.ReadFile(filepath.Join(path, "HEAD"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write(data)
}

func (s *Server) handlePack(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		repoID := chi.URLParam(r, "repoID")
		path, err := s.repoDir(repoID)
		if err != nil {
			writeRepoError(w, err)
			return
		}

		body, err := requestBody(r)
		if err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		var updates []RefUpdate
		if service == "receive-pack" {
			var commands []RefUpdate
			commands, body, err = splitReceivePackCommands(body)
			if err != nil {
				http.Error(w, "malformed receive-pack request", http.StatusBadRequest)
				return
			}
			updates = commands
		}

		cmd := exec.CommandContext(r.Context(), "git", service, "--stateless-rpc", path) //nolint:gosec
		cmd.Stdin = body
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-result", service))
		w.WriteHeader(http.StatusOK)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			logrus.WithError(err).Errorln("opening git stdout pipe")
			return
		}
		if err := cmd.Start(); err != nil {
			logrus.WithError(err).Errorln("starting git " + service)
			return
		}
		io.Copy(w, stdout)
		if err := cmd.Wait(); err != nil {
			logrus.WithError(err).WithField("stderr", stderr.String()).Errorln("git " + service + " failed")
			return
		}

		if service == "receive-pack" && len(updates) > 0 && s.notifier != nil {
			if err := s.notifier.NotifyPush(r.Context(), repoID, updates); err != nil {
				logrus.WithError(err).WithField("repo_id", repoID).Errorln("notifying push trigger")
			}
		}
	}
}

// repoDir resolves repoID to a bare repo directory that must already
// exist (gitserver never lazily creates on a clone/push attempt).
func (s *Server) repoDir(repoID string) (string, error) {
	path := s.repoPath(repoID)
	if _, err := os.Stat(path); err != nil {
		return "", &lerrors.NotFoundError{Msg: fmt.Sprintf("repo %s not found", repoID)}
	}
	return path, nil
}

func writeRepoError(w http.ResponseWriter, err error) {
	if _, ok := err.(*lerrors.NotFoundError); ok {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func requestBody(r *http.Request) (io.Reader, error) {
	if r.Header.Get("Content-Encoding") == "gzip" {
		return gzip.NewReader(r.Body)
	}
	return r.Body, nil
}

func pktLine(s string) string {
	return fmt.Sprintf("%04x%s", len(s)+4, s)
}
