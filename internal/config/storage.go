package config

type Storage struct {
	Type       string             `mapstructure:"type"` // sqlite or postgres
	SQLite     *SQLLiteStorage    `mapstructure:"local,omitempty"`
	PostgreSQL *PostgreSQLStorage `mapstructure:"postgres,omitempty"`
}

type SQLLiteStorage struct {
	Path string `mapstructure:"path,omitempty"`
}

type PostgreSQLStorage struct {
	DSN string `mapstructure:"dsn,omitempty"`
}
