package config

import "fmt"

type StorageDriver int

const (
	Postgres StorageDriver = iota + 1
	Memory
)

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case Memory:
		return "memory"
	}
	return "unknown"
}

func ParseStorageDriver(s string) (StorageDriver, error) {
	switch s {
	case "", "postgres":
		return Postgres, nil
	case "memory":
		return Memory, nil
	}
	return 0, fmt.Errorf("unknown storage driver %q", s)
}

// NotifyDriver selects the notification bus back end.
type NotifyDriver int

const (
	InProcess NotifyDriver = iota + 1
	Redis
	RabbitMQ
)

func (d NotifyDriver) String() string {
	switch d {
	case InProcess:
		return "memory"
	case Redis:
		return "redis"
	case RabbitMQ:
		return "rabbitmq"
	default:
		return "unknown"
	}
}

func ParseNotifyDriver(s string) (NotifyDriver, error) {
	switch s {
	case "", "memory":
		return InProcess, nil
	case "redis":
		return Redis, nil
	case "rabbitmq":
		return RabbitMQ, nil
	}
	return 0, fmt.Errorf("unknown notify driver %q", s)
}
