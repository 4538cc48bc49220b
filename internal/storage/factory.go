package storage

import (
	"fmt"
)

// BackendType represents the type of storage backend.
type BackendType string

const (
	BackendTypeFile  BackendType = "file"
	BackendTypeMongo BackendType = "mongo"
	BackendTypeCouch BackendType = "couch"
)

// Factory is a function type that creates a Backend instance.
type Factory func(config map[string]interface{}) (Backend, error)

// factories holds registered backend factories.
var factories = make(map[BackendType]Factory)

// Register registers a backend factory.
func Register(backendType BackendType, factory Factory) {
	factories[backendType] = factory
}

// Create creates a new Backend instance based on the backend type.
func Create(backendType BackendType, config map[string]interface{}) (Backend, error) {
	factory, ok := factories[backendType]
	if !ok {
		return nil, fmt.Errorf("unknown storage type: %s", backendType)
	}
	return factory(config)
}

// SupportedTypes returns a list of supported backend types.
func SupportedTypes() []BackendType {
	types := make([]BackendType, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	return types
}

// IsSupported returns true if the backend type is supported.
func IsSupported(backendType BackendType) bool {
	_, ok := factories[backendType]
	return ok
}
