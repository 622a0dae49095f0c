package api

import (
	"fmt"

	"github.com/rs/zerolog"
	glua "github.com/yuin/gopher-lua"

	"github.com/graft-dev/graft/pkg/plugin/lua"
)

// installLogLua builds the graft.log module. Entries land in the host's
// structured log tagged with the plugin id, alongside print output, so
// plugin diagnostics are filterable like any other component's.
func installLogLua(L *glua.LState, log zerolog.Logger) glua.LValue {
	t := L.NewTable()
	b := lua.NewBridge(L)

	bind := func(name string, event func() *zerolog.Event) {
		L.SetField(t, name, L.NewFunction(b.WrapGoFunc(func(args []any) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("log.%s wants a message", name)
			}
			msg := fmt.Sprintf("%v", args[0])
			ev := event()
			if data, ok := argMap(args, 1); ok {
				ev = ev.Fields(data)
			}
			ev.Msg(msg)
			return nil, nil
		})))
	}

	bind("debug", func() *zerolog.Event { return log.Debug() })
	bind("info", func() *zerolog.Event { return log.Info() })
	bind("warn", func() *zerolog.Event { return log.Warn() })
	bind("error", func() *zerolog.Event { return log.Error() })

	return t
}
