package registry

import (
	"sort"
	"sync"

	"sensor-emulator/internal/adapters"
)

type Device struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Transport string `json:"transport"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Store     string `json:"store"`
	Online    bool   `json:"online"`
}

type entry struct {
	info   Device
	device adapters.Device
}

type Store struct {
	mu   sync.RWMutex
	data map[string]entry
}

func NewStore() *Store {
	return &Store{data: map[string]entry{}}
}

func (s *Store) Add(d adapters.Device, info Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.Name = d.Name()
	s.data[info.Name] = entry{info: info, device: d}
}

func (s *Store) Lookup(name string) (adapters.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[name]
	if !ok {
		return nil, false
	}
	return e.device, true
}

func (s *Store) Get(name string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[name]
	return e.info, ok
}

func (s *Store) SetOnline(name string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[name]
	if !ok {
		return
	}
	e.info.Online = online
	s.data[name] = e
}

func (s *Store) List() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.data))
	for _, e := range s.data {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) Devices() []adapters.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]adapters.Device, 0, len(s.data))
	for _, e := range s.data {
		out = append(out, e.device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
