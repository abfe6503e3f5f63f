package main

import (
	"fmt"
	"io"
	"os"

	"github.com/drpcorg/verso/config"
	"github.com/drpcorg/verso/utils"
)

func loadConfig(args []string) (*config.Config, error) {
	if len(args) > 1 {
		return config.Load(args[1])
	}
	return config.Parse(nil)
}

func main() {
	conf, err := loadConfig(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		_, _ = fmt.Fprintln(os.Stderr, "Usage: verso [config.yaml]")
		os.Exit(-2)
	}
	log := utils.NewDefaultLogger(utils.ParseLevel(conf.LogLevel))

	repl, err := NewREPL(conf, log, os.Stdout)
	if err == nil {
		err = repl.Open()
	}
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	defer repl.Close()
	log.Info("node started", "name", conf.Name, "listen", conf.Listen)

	for err != io.EOF {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
		}
		err = repl.REPL()
	}
}
