// Package service composes the backend's components behind one façade for
// the transport layer.
package service

import (
	"github.com/finresearch/backend/internal/bus"
	"github.com/finresearch/backend/internal/checkpoint"
	"github.com/finresearch/backend/internal/config"
	"github.com/finresearch/backend/internal/coordinator"
	"github.com/finresearch/backend/internal/store"
)

type Service struct {
	store       store.Store
	checkpoints *checkpoint.Store
	bus         bus.Bus
	coordinator *coordinator.Coordinator
	config      *config.Config
}

func New(st store.Store, checkpoints *checkpoint.Store, b bus.Bus, coord *coordinator.Coordinator, cfg *config.Config) *Service {
	return &Service{
		store:       st,
		checkpoints: checkpoints,
		bus:         b,
		coordinator: coord,
		config:      cfg,
	}
}

// Coordinator exposes the run coordinator to the transport layer.
func (s *Service) Coordinator() *coordinator.Coordinator {
	return s.coordinator
}
