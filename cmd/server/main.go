package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"telemtadm/bot"
	"telemtadm/impl/auth"
	"telemtadm/impl/core"
	"telemtadm/internal/config"
	"telemtadm/internal/database"
	"telemtadm/internal/http-server/api"
	"telemtadm/internal/provision"
	"telemtadm/internal/service"
	"telemtadm/internal/telemt"
	"telemtadm/lib/logger"
	"telemtadm/lib/sl"
)

const logFileName = "telemtadm.log"

func main() {
	configPath := flag.String("conf", "config.yml", "path to config file")
	logPath := flag.String("log", "/var/log/", "path to log file directory")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	baseLogger := logger.SetupLogger(conf.Env, filepath.Join(*logPath, logFileName))
	baseLogger.Info("starting telemtadm",
		slog.String("config", *configPath),
		slog.String("env", conf.Env),
	)

	mongo := database.NewMongoClient(conf)
	if mongo == nil {
		log.Fatal("mongo storage is required; enable it in the config")
	}
	if err := mongo.EnsureIndexes(context.Background()); err != nil {
		log.Fatal("preparing mongo indexes: ", err)
	}

	credentials := telemt.New(conf.Telemt.ConfigPath, baseLogger)
	if _, err := credentials.ReadLinkParams(); err != nil {
		log.Fatal("reading proxy config: ", err)
	}

	engine := provision.New(mongo, credentials, provision.Policy{
		DefaultTokenDays: conf.Security.DefaultTokenDays,
		MaxTokenDays:     conf.Security.MaxTokenDays,
		AllowAutoApprove: conf.Security.AllowAutoApprove,
		CodeLength:       conf.Telegram.InviteCodeLength,
	}, baseLogger)

	controller := service.New(conf.Telemt.ServiceName, baseLogger)

	tgBot, err := bot.NewTgBot(conf.Telegram.ApiKey, engine, controller, baseLogger, bot.BotConfig{
		AdminIds:      conf.Telegram.AdminIds,
		UsersPageSize: conf.Telegram.UsersPageSize,
	})
	if err != nil {
		log.Fatal("creating telegram bot: ", err)
	}

	// warnings and errors from every component reach the admin chats
	tgHandler := logger.NewTelegramHandler(baseLogger.Handler(), tgBot, slog.LevelWarn)
	mainLogger := slog.New(tgHandler)

	if conf.Api.Enabled {
		authService := auth.New(conf.Api.Clients)
		handler := core.New(engine, mainLogger)
		handler.SetAuthService(authService)
		go func() {
			if err := api.New(conf, mainLogger, handler); err != nil {
				mainLogger.Error("api server stopped", sl.Err(err))
			}
		}()
	}

	go func() {
		if err := tgBot.Start(); err != nil {
			mainLogger.Error("telegram bot stopped", sl.Err(err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	mainLogger.Info("shutting down")
	tgBot.Stop()
}
