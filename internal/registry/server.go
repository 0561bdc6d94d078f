// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry defines ephemeral service registration and discovery for
// supervisor and worker nodes: a node registers itself under its role and
// watches peers of the opposite role, with liveness decided by session TTL.
package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// Role distinguishes the two node kinds.
type Role string

const (
	RoleSupervisor Role = "supervisor"
	RoleWorker     Role = "worker"
)

// Opposite returns the role a node of this role discovers.
func (r Role) Opposite() Role {
	if r == RoleSupervisor {
		return RoleWorker
	}
	return RoleSupervisor
}

// Server is a registered endpoint. Group is set only for workers.
type Server struct {
	Role  Role
	Group string
	Host  string
	Port  int
}

// Serialize renders the wire form: "host:port" for supervisors and
// "group:host:port" for workers. Hosts therefore must not contain ':'.
func (s Server) Serialize() string {
	if s.Role == RoleWorker {
		return fmt.Sprintf("%s:%s:%d", s.Group, s.Host, s.Port)
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BaseURL is the http origin of the server.
func (s Server) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

func (s Server) String() string { return s.Serialize() }

// Deserialize parses the wire form produced by Serialize.
func Deserialize(role Role, text string) (Server, error) {
	parts := strings.Split(text, ":")
	switch {
	case role == RoleWorker && len(parts) == 3:
		port, err := strconv.Atoi(parts[2])
		if err != nil {
			return Server{}, fmt.Errorf("invalid worker port %q: %w", text, err)
		}
		return Server{Role: RoleWorker, Group: parts[0], Host: parts[1], Port: port}, nil
	case role == RoleSupervisor && len(parts) == 2:
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return Server{}, fmt.Errorf("invalid supervisor port %q: %w", text, err)
		}
		return Server{Role: RoleSupervisor, Host: parts[0], Port: port}, nil
	default:
		return Server{}, fmt.Errorf("malformed %s endpoint %q", role, text)
	}
}
