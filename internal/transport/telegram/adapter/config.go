package adapter

import "time"

type Config struct {
	Token       string
	PollTimeout time.Duration // long-poll timeout, default 10s
}
