package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alpacax/alpamon-go/internal/inventory"
	"github.com/alpacax/alpamon-go/internal/packager"
	"github.com/alpacax/alpamon-go/internal/shell"
)

// keyDefs builds the fixed set of inventory keys the reconciler tracks,
// mirroring the fact-source table named in the inventory snapshot data
// model: info, os, time, groups, users, interfaces, addresses, packages,
// pypackages, server.
func keyDefs(version string, oracle inventory.FactOracle, family familyDescriptor) map[string]inventory.KeyDef {
	proc := func(key string) (collect, sync string) {
		return fmt.Sprintf("/api/proc/%s/", key), fmt.Sprintf("/api/proc/%s/-/sync/", key)
	}

	defs := map[string]inventory.KeyDef{}

	add := func(key, sql, primaryKey string, types map[string]string) {
		collect, sync := proc(key)
		defs[key] = inventory.KeyDef{
			Name: key, SQL: sql, Format: "json",
			PrimaryKey: primaryKey, Types: types,
			CollectURL: collect, SyncURL: sync,
		}
	}

	add("users", "SELECT uid, gid, username, description, directory, shell FROM users",
		"uid", map[string]string{"uid": "int", "gid": "int"})
	add("groups", "SELECT gid, groupname FROM groups",
		"gid", map[string]string{"gid": "int"})
	add("interfaces", "SELECT interface, mac, mtu, type FROM interface_details",
		"interface", map[string]string{"mtu": "int"})
	add("addresses", "SELECT interface, address, mask, broadcast FROM interface_addresses",
		"address", nil)
	add("packages", packagesSQL(family), "name",
		map[string]string{"size": "int"})

	infoCollect, infoSync := proc("info")
	defs["info"] = inventory.KeyDef{
		Name: "info", SQL: "SELECT hostname, cpu_brand, physical_memory, hardware_serial FROM system_info LIMIT 1",
		Format: "json", CollectURL: infoCollect, SyncURL: infoSync,
	}

	osCollect, osSync := proc("os")
	defs["os"] = inventory.KeyDef{
		Name: "os", SQL: "SELECT name, version, platform, arch FROM os_version LIMIT 1",
		Format: "json", CollectURL: osCollect, SyncURL: osSync,
	}

	timeCollect, timeSync := proc("time")
	defs["time"] = inventory.KeyDef{
		Name: "time", SQL: "SELECT timezone, unix_time FROM time LIMIT 1",
		Format: "json", Types: map[string]string{"unix_time": "int"},
		CollectURL: timeCollect, SyncURL: timeSync,
	}

	pyCollect, pySync := proc("pypackages")
	defs["pypackages"] = inventory.KeyDef{
		Name: "pypackages", PrimaryKey: "name",
		Collect:    collectPyPackages,
		CollectURL: pyCollect, SyncURL: pySync,
	}

	serverCollect, serverSync := proc("server")
	defs["server"] = inventory.KeyDef{
		Name:       "server",
		Collect:    collectServer(oracle, version),
		CollectURL: serverCollect, SyncURL: serverSync,
	}

	return defs
}

// familyDescriptor is the tiny slice of platform.Family this file needs,
// kept local so keys.go doesn't have to import internal/platform just for
// one conditional.
type familyDescriptor interface {
	IsDarwin() bool
}

func packagesSQL(family familyDescriptor) string {
	if family != nil && family.IsDarwin() {
		return "SELECT name, version, arch FROM apps"
	}
	return "SELECT name, version, arch, size FROM deb_packages UNION SELECT name, version, arch, size FROM rpm_packages"
}

// collectPyPackages lists installed Python packages via pip itself, since
// pip is not a fact-query-tool concern (the sync flow's one named
// exception to "collect via SQL").
func collectPyPackages(ctx context.Context, r *inventory.Reconciler) ([]inventory.Row, error) {
	res := shell.Run(ctx, []string{"pip", "list", "--format=json"}, shell.Options{Username: "root"})
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("listing python packages: %s", res.Output)
	}
	var entries []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal([]byte(res.Output), &entries); err != nil {
		return nil, fmt.Errorf("decoding pip list output: %w", err)
	}
	rows := make([]inventory.Row, len(entries))
	for i, e := range entries {
		rows[i] = inventory.Row{"name": e.Name, "version": e.Version}
	}
	return rows, nil
}

// collectServer coalesces the system-info and os-version singleton queries
// plus the running agent version into the one "server" row, the other
// named special routine in the sync flow.
func collectServer(oracle inventory.FactOracle, version string) func(context.Context, *inventory.Reconciler) ([]inventory.Row, error) {
	return func(ctx context.Context, r *inventory.Reconciler) ([]inventory.Row, error) {
		row := inventory.Row{"agent_version": version}

		_, infoRows, err := oracle.Query(ctx, "SELECT hostname, cpu_brand, physical_memory FROM system_info LIMIT 1", "json")
		if err != nil {
			return nil, fmt.Errorf("collecting system_info: %w", err)
		}
		if len(infoRows) > 0 {
			for k, v := range infoRows[0] {
				row[k] = v
			}
		}

		_, osRows, err := oracle.Query(ctx, "SELECT name, version, arch FROM os_version LIMIT 1", "json")
		if err != nil {
			return nil, fmt.Errorf("collecting os_version: %w", err)
		}
		if len(osRows) > 0 {
			row["os"] = osRows[0]
		}

		return []inventory.Row{row}, nil
	}
}
