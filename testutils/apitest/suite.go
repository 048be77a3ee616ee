// Package apitest runs the HTTP API against in-memory clients.
package apitest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"

	"github.com/novatra/novatra/app/artifact"
	"github.com/novatra/novatra/app/auth"
	"github.com/novatra/novatra/app/health"
	"github.com/novatra/novatra/app/repository"
	"github.com/novatra/novatra/client"
	"github.com/novatra/novatra/config"
	"github.com/novatra/novatra/gateway"
	"github.com/novatra/novatra/manager"
	"github.com/novatra/novatra/server"
)

type TestSuite struct {
	suite.Suite
	r *gin.Engine

	Config  *config.Config
	Clients *client.Clients
	Manager *manager.Manager
	Gateway *gateway.Gateway
}

// SetupTest gives every test a fresh, empty service.
func (s *TestSuite) SetupTest() {
	cfg, err := config.InitConfig(config.SetUpConfig("test"))
	s.Require().NoError(err)
	cfg.Environment = config.Testing
	s.Config = cfg

	s.Clients, err = client.SetUpClients(context.Background(), cfg)
	s.Require().NoError(err)
	s.Manager = manager.New(s.Clients.Index, s.Clients.Blobs, s.Clients.Bus, manager.Options{
		ReleaseRetries: cfg.Manager.ReleaseRetries,
		RetryInterval:  cfg.Manager.RetryInterval,
		Recorder:       s.Clients.Recorder,
	})
	s.Gateway = gateway.New(s.Clients.Bus, gateway.Options{BufferSize: cfg.Gateway.BufferSize})

	s.r = server.InitRoutes(cfg, server.Handlers{
		Health:       health.HealthService{Version: cfg.Version},
		Repositories: repository.RepositoryService{Manager: s.Manager},
		Artifacts:    artifact.ArtifactService{Manager: s.Manager, MaxUpload: cfg.Server.MaxUpload},
		Gateway:      s.Gateway,
	})
}

func (s *TestSuite) TearDownTest() {
	if s.Clients != nil {
		s.Clients.Close()
	}
}

// SendRequest sends body encoded as JSON. actor may be empty.
func (s *TestSuite) SendRequest(method, path string, body interface{}, actor string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.T().Fatal(err)
		}
	}
	return s.SendRaw(method, path, &buf, actor)
}

// SendRaw sends body as is.
func (s *TestSuite) SendRaw(method, path string, body io.Reader, actor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if actor != "" {
		req.Header.Set(auth.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	s.r.ServeHTTP(w, req)
	return w
}

// Decode unmarshals the JSON body of w into v.
func (s *TestSuite) Decode(w *httptest.ResponseRecorder, v interface{}) {
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// Expect fails the test unless w has the given status.
func (s *TestSuite) Expect(status int, w *httptest.ResponseRecorder) {
	s.Require().Equal(status, w.Code, w.Body.String())
}

