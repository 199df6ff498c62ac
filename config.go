package porygon

import "time"

type Config struct {
	RedisConnStr string

	PingInterval      time.Duration
	StalledPingLimit  int
	QueryTimeout      time.Duration
	SessionLifetime   time.Duration
	StateLogThreshold int

	GorillaWS  *GorillaWsConfig
	HTTPServer *HTTPServerConfig
}

type GorillaWsConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

type HTTPServerConfig struct {
	Address              string
	Port                 int
	ReadTimeoutInSecond  int
	WriteTimeoutInSecond int
}

func (c Config) withDefaults() Config {
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.StalledPingLimit == 0 {
		c.StalledPingLimit = 4
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.SessionLifetime == 0 {
		c.SessionLifetime = 30 * time.Minute
	}
	if c.GorillaWS == nil {
		c.GorillaWS = &GorillaWsConfig{ReadBufferSize: 8192, WriteBufferSize: 8192}
	}
	if c.HTTPServer == nil {
		c.HTTPServer = &HTTPServerConfig{Address: "localhost", Port: 11053, ReadTimeoutInSecond: 5}
	}
	return c
}
