package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ergochat/readline"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/verso"
	"github.com/drpcorg/verso/config"
	"github.com/drpcorg/verso/entity"
	"github.com/drpcorg/verso/network"
	"github.com/drpcorg/verso/oid"
	"github.com/drpcorg/verso/utils"
)

// REPL drives one node from the terminal. The REPL goroutine owns the
// node's objects: queued commands run between lines and while a command
// waits for a master.
type REPL struct {
	conf *config.Config
	log  utils.Logger
	node *verso.Node
	tr   *network.Transport
	reg  *prometheus.Registry
	rl   *readline.Instance
	out  io.Writer

	objects     map[oid.ID]*entity.Entity
	incarnation uint32
}

var ErrUnknownObject = errors.New("no such object here")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("listen"),
	readline.PcItem("connect"),
	readline.PcItem("peers"),

	readline.PcItem("create"),
	readline.PcItem("name"),
	readline.PcItem("tasks"),
	readline.PcItem("data"),
	readline.PcItem("commit"),
	readline.PcItem("push"),
	readline.PcItem("map"),
	readline.PcItem("sync"),
	readline.PcItem("unmap"),
	readline.PcItem("release"),
	readline.PcItem("show"),

	readline.PcItem("cache"),
	readline.PcItem("metrics"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// NewREPL starts the node and its transport; the terminal is attached
// separately by Open.
func NewREPL(conf *config.Config, log utils.Logger, out io.Writer) (*REPL, error) {
	repl := &REPL{
		conf:    conf,
		log:     log,
		out:     out,
		reg:     prometheus.NewRegistry(),
		objects: make(map[oid.ID]*entity.Entity),
	}
	var node *verso.Node
	repl.tr = network.NewTransport(conf.Name, log,
		func(from string, rec []byte) { node.Deliver(from, rec) },
		network.WithPeerEvents(func(peer string, up bool) { node.OnPeer(peer, up) }),
	)
	node, err := verso.NewNode(verso.OptionsFromConfig(conf, log), repl.tr)
	if err != nil {
		return nil, err
	}
	repl.node = node
	repl.reg.MustRegister(verso.Collectors()...)
	repl.reg.MustRegister(node.Collectors()...)

	if conf.Listen != "" {
		if err := repl.tr.Listen(conf.Listen); err != nil {
			_ = repl.Close()
			return nil, err
		}
	}
	for _, peer := range conf.Peers {
		if err := repl.tr.Connect(peer); err != nil {
			_ = repl.Close()
			return nil, err
		}
	}
	return repl, nil
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◇ ",
		HistoryFile:     ".verso_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	_ = repl.tr.Close()
	return repl.node.Close()
}

// REPL reads and runs one line.
func (repl *REPL) REPL() error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	return repl.Execute(line)
}

// Execute runs one command line, after the commands queued meanwhile.
func (repl *REPL) Execute(line string) (err error) {
	repl.node.ProcessPending()
	repl.node.Maintain()

	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		err = repl.CommandHelp(args)
	// ----- networking -----
	case "listen":
		err = repl.CommandListen(args)
	case "connect":
		err = repl.CommandConnect(args)
	case "peers":
		err = repl.CommandPeers(args)
	// ----- masters -----
	case "create":
		err = repl.CommandCreate(args)
	case "name":
		err = repl.CommandName(args)
	case "tasks":
		err = repl.CommandTasks(args)
	case "data":
		err = repl.CommandData(args)
	case "commit":
		err = repl.CommandCommit(args)
	case "release":
		err = repl.CommandRelease(args)
	// ----- slaves -----
	case "map":
		err = repl.CommandMap(args)
	case "sync":
		err = repl.CommandSync(args)
	case "push":
		err = repl.CommandPush(args)
	case "unmap":
		err = repl.CommandUnmap(args)
	// ----- debug -----
	case "ls", "show", "list":
		err = repl.CommandShow(args)
	case "cache":
		err = repl.CommandCache(args)
	case "metrics":
		err = repl.CommandMetrics(args)
	case "exit", "quit":
		err = io.EOF
	default:
		err = fmt.Errorf("command unknown: %s", cmd)
	}
	return
}

func (repl *REPL) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(repl.out, format, args...)
}

// lookup finds a local object by full id or by its short form.
func (repl *REPL) lookup(arg string) (*entity.Entity, error) {
	if id, err := oid.ParseID(arg); err == nil {
		if e, ok := repl.objects[id]; ok {
			return e, nil
		}
		return nil, ErrUnknownObject
	}
	var found *entity.Entity
	for id, e := range repl.objects {
		if strings.HasSuffix(id.String(), arg) {
			if found != nil {
				return nil, fmt.Errorf("ambiguous object %s", arg)
			}
			found = e
		}
	}
	if found == nil {
		return nil, ErrUnknownObject
	}
	return found, nil
}

func (repl *REPL) sorted() []*entity.Entity {
	list := make([]*entity.Entity, 0, len(repl.objects))
	for _, e := range repl.objects {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID().Less(list[j].ID()) })
	return list
}
