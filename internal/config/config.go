package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"

	"telemtadm/entity"
)

type Listen struct {
	BindIp string `yaml:"bind_ip" env-default:"0.0.0.0"`
	Port   string `yaml:"port" env-default:"8080"`
}

type TelegramConfig struct {
	ApiKey           string  `yaml:"api_key" env-default:""`
	AdminIds         []int64 `yaml:"admin_ids"`
	UsersPageSize    int64   `yaml:"users_page_size" env-default:"10"`
	InviteCodeLength int     `yaml:"invite_code_length" env-default:"12"`
}

type MongoConfig struct {
	Enabled  bool   `yaml:"enabled" env-default:"false"`
	Host     string `yaml:"host" env-default:"localhost"`
	Port     string `yaml:"port" env-default:"27017"`
	User     string `yaml:"user" env-default:""`
	Password string `yaml:"password" env-default:""`
	Database string `yaml:"database" env-default:"telemtadm"`
}

type TelemtConfig struct {
	ConfigPath  string `yaml:"config_path" env-default:"/etc/telemt.toml"`
	ServiceName string `yaml:"service_name" env-default:"telemt.service"`
}

type SecurityConfig struct {
	DefaultTokenDays int64 `yaml:"default_token_days" env-default:"14"`
	MaxTokenDays     int64 `yaml:"max_token_days" env-default:"180"`
	AllowAutoApprove bool  `yaml:"allow_auto_approve" env-default:"true"`
}

type ApiConfig struct {
	Enabled bool               `yaml:"enabled" env-default:"false"`
	Clients []entity.ApiClient `yaml:"clients"`
}

type Config struct {
	Env      string         `yaml:"env" env-default:"local"`
	Listen   Listen         `yaml:"listen"`
	Telegram TelegramConfig `yaml:"telegram"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Telemt   TelemtConfig   `yaml:"telemt"`
	Security SecurityConfig `yaml:"security"`
	Api      ApiConfig      `yaml:"api"`
}

var instance *Config
var once sync.Once

func MustLoad(path string) *Config {
	var err error
	once.Do(func() {
		instance = &Config{}
		if err = cleanenv.ReadConfig(path, instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			err = fmt.Errorf("config: %s; %s", err, desc)
			instance = nil
			log.Fatal(err)
		}
	})
	return instance
}
