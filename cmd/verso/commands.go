package main

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/drpcorg/verso/entity"
	"github.com/drpcorg/verso/oid"
)

var (
	HelpListen  = errors.New("listen tcp://127.0.0.1:7070")
	HelpConnect = errors.New("connect tcp://127.0.0.1:7070")
	HelpCreate  = errors.New("create <name>")
	HelpName    = errors.New("name <id> <name>")
	HelpTasks   = errors.New("tasks <id> <count>")
	HelpData    = errors.New("data <id> <text>")
	HelpObject  = errors.New("<command> <id>")
	HelpMap     = errors.New("map <full id> [version]")
	HelpSync    = errors.New("sync <id> [version]")
)

const help = `networking: listen <addr>, connect <addr>, peers
masters:    create <name>, name <id> <name>, tasks <id> <n>, data <id> <text>,
            commit <id>, release <id>
slaves:     map <id> [version], sync <id> [version], push <id>, unmap <id>
debug:      show [id], cache, metrics
exit, quit
`

func (repl *REPL) CommandHelp(args []string) error {
	repl.printf("%s", help)
	return nil
}

func (repl *REPL) CommandListen(args []string) error {
	if len(args) != 1 {
		return HelpListen
	}
	return repl.tr.Listen(args[0])
}

func (repl *REPL) CommandConnect(args []string) error {
	if len(args) != 1 {
		return HelpConnect
	}
	return repl.tr.Connect(args[0])
}

func (repl *REPL) CommandPeers(args []string) error {
	peers := repl.tr.Peers()
	sort.Strings(peers)
	for _, peer := range peers {
		repl.printf("%s\n", peer)
	}
	return nil
}

func (repl *REPL) CommandCreate(args []string) error {
	if len(args) == 0 {
		return HelpCreate
	}
	e := entity.NewEntity()
	e.SetName(strings.Join(args, " "))
	if err := repl.node.RegisterObject(e.Base()); err != nil {
		return err
	}
	repl.objects[e.ID()] = e
	repl.printf("%s\n", e.ObjectVersion())
	return nil
}

func (repl *REPL) CommandName(args []string) error {
	if len(args) < 2 {
		return HelpName
	}
	e, err := repl.lookup(args[0])
	if err != nil {
		return err
	}
	e.SetName(strings.Join(args[1:], " "))
	return nil
}

func (repl *REPL) CommandTasks(args []string) error {
	if len(args) != 2 {
		return HelpTasks
	}
	e, err := repl.lookup(args[0])
	if err != nil {
		return err
	}
	n, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return HelpTasks
	}
	e.SetTasks(n)
	return nil
}

// CommandData sets the text of the object's user data blob. A master
// without user data gets a new blob it masters; it is registered on the
// next commit.
func (repl *REPL) CommandData(args []string) error {
	if len(args) < 2 {
		return HelpData
	}
	e, err := repl.lookup(args[0])
	if err != nil {
		return err
	}
	var blob *entity.Blob
	if ud := e.UserData(); ud != nil {
		blob, _ = ud.Kind().(*entity.Blob)
	}
	if blob == nil {
		blob = entity.NewBlob()
		e.SetUserData(blob.Object, true)
	}
	blob.SetData([]byte(strings.Join(args[1:], " ")))
	return nil
}

func (repl *REPL) CommandCommit(args []string) error {
	if len(args) != 1 {
		return HelpObject
	}
	e, err := repl.lookup(args[0])
	if err != nil {
		return err
	}
	repl.incarnation++
	if _, err := e.Commit(repl.incarnation); err != nil {
		return err
	}
	repl.printf("%s\n", e.ObjectVersion())
	return nil
}

func (repl *REPL) CommandPush(args []string) error {
	if len(args) != 1 {
		return HelpObject
	}
	e, err := repl.lookup(args[0])
	if err != nil {
		return err
	}
	repl.incarnation++
	return e.SlaveCommit(repl.incarnation)
}

func (repl *REPL) CommandRelease(args []string) error {
	if len(args) != 1 {
		return HelpObject
	}
	e, err := repl.lookup(args[0])
	if err != nil {
		return err
	}
	id := e.ID()
	repl.node.ReleaseObject(e.Base())
	delete(repl.objects, id)
	return nil
}

func parseVersion(args []string, i int) (oid.Version, error) {
	if len(args) <= i {
		return oid.VersionHead, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(args[i], "v"), 10, 64)
	return oid.Version(v), err
}

func (repl *REPL) CommandMap(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return HelpMap
	}
	id, err := oid.ParseID(args[0])
	if err != nil {
		return HelpMap
	}
	v, err := parseVersion(args, 1)
	if err != nil {
		return HelpMap
	}
	e := entity.NewEntity()
	// a slave blob to follow whatever user data the master references
	e.SetUserData(entity.NewBlob().Object, false)
	if err := repl.node.MapObject(e.Base(), oid.NewObjectVersion(id, v)); err != nil {
		return err
	}
	repl.objects[id] = e
	repl.printf("%s\n", e.ObjectVersion())
	return nil
}

func (repl *REPL) CommandSync(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return HelpSync
	}
	e, err := repl.lookup(args[0])
	if err != nil {
		return err
	}
	v, err := parseVersion(args, 1)
	if err != nil {
		return HelpSync
	}
	if err := repl.node.SyncObject(e.Base(), v); err != nil {
		return err
	}
	repl.printf("%s\n", e.ObjectVersion())
	return nil
}

func (repl *REPL) CommandUnmap(args []string) error {
	if len(args) != 1 {
		return HelpObject
	}
	e, err := repl.lookup(args[0])
	if err != nil {
		return err
	}
	id := e.ID()
	repl.node.UnmapObject(e.Base())
	delete(repl.objects, id)
	return nil
}

func (repl *REPL) CommandShow(args []string) error {
	list := repl.sorted()
	if len(args) > 0 {
		e, err := repl.lookup(args[0])
		if err != nil {
			return err
		}
		list = []*entity.Entity{e}
	}
	for _, e := range list {
		repl.printf("%s\t%s\t%q\ttasks=%d", e.ObjectVersion(), e.Role(), e.Name(), e.Tasks())
		if ud := e.UserData(); ud != nil && ud.IsAttached() {
			if blob, ok := ud.Kind().(*entity.Blob); ok {
				repl.printf("\tdata=%q@%s", blob.Data(), blob.Version())
			}
		}
		if e.IsDirty() {
			repl.printf("\tdirty")
		}
		if pending := e.Pending(); len(pending) > 0 {
			repl.printf("\tpending=%v", pending)
		}
		repl.printf("\n")
	}
	return nil
}

func (repl *REPL) CommandCache(args []string) error {
	c := repl.node.Cache()
	repl.printf("entries %d, %d of %d bytes\n", c.Len(), c.Size(), c.MaxSize())
	return nil
}

func (repl *REPL) CommandMetrics(args []string) error {
	families, err := repl.reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}
			repl.printf("%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
	return nil
}
