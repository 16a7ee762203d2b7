package main

import (
	"fmt"
	"net/http"

	"github.com/fundlane/fundlane/pkg/config"
)

type Server struct {
	http.Server
}

func NewServer(cfg *config.Config, h http.Handler) *Server {
	bindAddress := cfg.Server.BindAddress
	if bindAddress == "*" {
		bindAddress = ""
	}

	srv := Server{}

	srv.Addr = fmt.Sprintf("%s:%d", bindAddress, cfg.Server.Port)
	srv.Handler = h

	return &srv
}
