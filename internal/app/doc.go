// Package app composes the function execution platform into a running
// application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── app/            # Registered third-party apps
//	│   ├── function/       # Function definitions and execution results
//	│   └── linkedaccount/  # End-user app authorizations
//	├── schema/             # Parameter schemas: partitioning, visibility, normalization
//	├── security/           # Security schemes and credential payloads
//	├── services/           # Business logic services
//	│   ├── apps/           # App registry and function import
//	│   ├── credentials/    # Credential resolution and token freshness
//	│   ├── executor/       # Credential injection and upstream REST calls
//	│   ├── functions/      # Execution pipeline orchestration
//	│   ├── linkedaccounts/ # Account linking and OAuth2 consent flow
//	│   └── oauth2/         # Provider flows, quirks, state tokens
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces
//	│   ├── memory/         # In-memory implementation for testing
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── httpapi/            # HTTP API handlers and routing
//	├── system/             # Lifecycle management
//	└── metrics/            # Prometheus instrumentation
//
// Domain packages hold pure data. Services hold the business rules and only
// touch persistence through the storage interfaces, so every service runs
// unchanged against the memory and postgres stores.
package app
