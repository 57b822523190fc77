package python

import (
	"strconv"
	"strings"

	"github.com/caffeineduck/pyhost/protocol"
)

// capturePatch replaces plt.show with a function that prints each open
// figure as a base64 PNG artifact line and closes it.
var capturePatch = strings.ReplaceAll(`if not globals().get("__pyhost_patched"):
    import matplotlib
    matplotlib.use("Agg")
    import matplotlib.pyplot as __pyhost_plt

    def __pyhost_show(*args, **kwargs):
        import base64, io
        for num in __pyhost_plt.get_fignums():
            fig = __pyhost_plt.figure(num)
            buf = io.BytesIO()
            fig.savefig(buf, format="png", bbox_inches="tight")
            alt = fig._suptitle.get_text() if fig._suptitle is not None else ""
            if not alt and fig.axes:
                alt = fig.axes[0].get_title()
            alt = (alt or "figure %d" % num).replace(":", " ").replace("\n", " ")
            print("@MARKER@image/png:" + alt + ":" + base64.b64encode(buf.getvalue()).decode("ascii"))
        __pyhost_plt.close("all")

    __pyhost_plt.show = __pyhost_show
    __pyhost_patched = True
`, "@MARKER@", protocol.ArtifactMarker)

// snapshotCode pickles every public, non-module global with dill. Bindings
// dill cannot handle are skipped and reported.
const snapshotCode = `def __pyhost_snapshot():
    import base64, types, dill
    keep, dropped = {}, []
    for name, value in list(globals().items()):
        if name.startswith("_") or isinstance(value, types.ModuleType):
            continue
        try:
            dill.dumps(value)
        except Exception:
            dropped.append(name)
            continue
        keep[name] = value
    return {"state": base64.b64encode(dill.dumps(keep)).decode("ascii"), "dropped": sorted(dropped)}
__pyhost_snapshot()`

const restoreTemplate = `def __pyhost_restore(state):
    import base64, dill
    globals().update(dill.loads(base64.b64decode(state)))
__pyhost_restore(%s)`

// requirements lists packages pip cannot be trusted to pull in by itself
// for the sandbox's purposes.
var requirements = map[string][]string{
	"matplotlib": {"pillow"},
}

func (p *Python) CapturePatch() string { return capturePatch }
func (p *Python) Serializer() string   { return "dill" }
func (p *Python) SnapshotCode() string { return snapshotCode }

func (p *Python) RestoreCode(state string) string {
	return strings.Replace(restoreTemplate, "%s", strconv.Quote(state), 1)
}

func (p *Python) Requirements(pkg string) []string {
	return requirements[strings.ToLower(pkg)]
}
