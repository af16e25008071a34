// Command alpamonctl installs, uninstalls, and configures the alpamon
// systemd service: it writes /etc/alpamon/alpamon.conf from environment
// variables or an interactive editor, drops the unit and tmpfiles entry,
// and drives systemctl.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	configDir     = "/etc/alpamon"
	configTarget  = "/etc/alpamon/alpamon.conf"
	tmpfileTarget = "/usr/lib/tmpfiles.d/alpamon.conf"
	serviceTarget = "/lib/systemd/system/alpamon.service"
	defaultEditor = "vi"
)

const configTemplate = `[server]
url = %s
id = %s
key = %s

[ssl]
verify = %s
ca_cert = %s

[logging]
debug = %s
`

const tmpfileContents = "d /var/log/alpamon 0755 root root -\n"

const serviceContents = `[Unit]
Description=Alpamon host agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=/usr/local/bin/alpamon
Restart=always
RestartSec=5
User=root

[Install]
WantedBy=multi-user.target
`

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "install":
		err = install()
	case "uninstall":
		err = uninstall()
	case "configure":
		err = configure()
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "alpamonctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s install|uninstall|configure\n", filepath.Base(os.Args[0]))
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func renderConfig() string {
	return fmt.Sprintf(configTemplate,
		envOr("ALPACON_URL", "https://alpacon.io"),
		envOr("ALPAMON_ID", ""),
		envOr("ALPAMON_KEY", ""),
		envOr("ALPACON_SSL_VERIFY", "true"),
		envOr("ALPACON_CA_CERT", ""),
		envOr("ALPAMON_DEBUG", "true"),
	)
}

func writeConfig() error {
	return os.WriteFile(configTarget, []byte(renderConfig()), 0600)
}

func ensureConfigDir() error {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating %s: %w", configDir, err)
	}
	return os.Chmod(configDir, 0700)
}

// configure ensures the config directory and a config file exist, then
// opens $VISUAL, $EDITOR, or vi on it, matching the agent's original
// install-time editor fallback.
func configure() error {
	if err := ensureConfigDir(); err != nil {
		return err
	}
	if _, err := os.Stat(configTarget); os.IsNotExist(err) {
		if err := writeConfig(); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = defaultEditor
	}

	cmd := exec.Command(editor, configTarget)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd.Run()
}

// install writes the tmpfiles entry, config, and systemd unit, then starts
// and enables the service.
func install() error {
	fmt.Println("Installing systemd service...")

	if err := ensureConfigDir(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(tmpfileTarget), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(tmpfileTarget), err)
	}
	if err := os.WriteFile(tmpfileTarget, []byte(tmpfileContents), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmpfileTarget, err)
	}
	runSystemd("systemd-tmpfiles", "--create")

	if err := writeConfig(); err != nil {
		return fmt.Errorf("writing %s: %w", configTarget, err)
	}
	if err := os.WriteFile(serviceTarget, []byte(serviceContents), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", serviceTarget, err)
	}

	runSystemd("systemctl", "daemon-reload")
	runSystemd("systemctl", "start", "alpamon.service")
	runSystemd("systemctl", "enable", "alpamon.service")
	runSystemd("systemctl", "--no-pager", "status", "alpamon.service")

	fmt.Println("Alpamon has been installed as a systemd service and will be launched automatically on system boot.")
	return nil
}

func uninstall() error {
	fmt.Println("Uninstalling systemd service...")
	runSystemd("systemctl", "stop", "alpamon.service")
	runSystemd("systemctl", "disable", "alpamon.service")
	os.Remove(tmpfileTarget)
	os.Remove(serviceTarget)
	runSystemd("systemctl", "daemon-reload")

	fmt.Println("Removing configuration files...")
	os.RemoveAll("/var/lib/alpamon")
	os.RemoveAll(configDir)

	fmt.Println(`Alpamon has been removed successfully! Run "rm -rf /var/log/alpamon" to remove logs as well.`)
	return nil
}

// runSystemd shells out to systemctl/systemd-tmpfiles, logging but not
// failing the overall command on a non-zero exit: a unit that's already
// stopped, for instance, shouldn't abort uninstall.
func runSystemd(argv ...string) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "alpamonctl: %s: %v\n", argv[0], err)
	}
}
