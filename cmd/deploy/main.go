// Deploy CLI: builds the broker binary for the remote architecture, pushes it
// over SSH, installs a systemd unit, and manages the remote service.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"orion-broker/internal/dotenv"
)

type config struct {
	sshServer   string
	sshPassword string
	sshKeyPath  string
	sshPort     string
	sshUseSudo  bool
	remoteDir   string
	serviceName string
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}

	cfg := loadConfig()

	if len(os.Args) > 1 {
		runCommand(cfg, os.Args[1])
		return
	}

	runInteractive(cfg)
}

func loadConfig() config {
	sshUseSudo := false
	if v := strings.TrimSpace(os.Getenv("SSH_USE_SUDO")); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			sshUseSudo = true
		}
	}

	return config{
		sshServer:   os.Getenv("SSH_SERVER"),
		sshPassword: os.Getenv("SSH_PASSWORD"),
		sshKeyPath:  os.Getenv("SSH_KEY_PATH"),
		sshPort:     firstNonEmpty(os.Getenv("SSH_PORT"), "22"),
		sshUseSudo:  sshUseSudo,
		remoteDir:   firstNonEmpty(os.Getenv("DEPLOY_REMOTE_DIR"), "/opt/orion-broker"),
		serviceName: firstNonEmpty(os.Getenv("DEPLOY_SERVICE_NAME"), "orion-broker"),
	}
}

func runInteractive(cfg config) {
	reader := bufio.NewReader(os.Stdin)

	for {
		printMenu()
		fmt.Print("\nSelect option: ")

		input, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			log.Printf("Error reading input: %v", err)
			continue
		}

		choice := strings.TrimSpace(input)
		if choice == "" {
			continue
		}

		switch choice {
		case "1":
			deployService(cfg)
		case "2":
			restartService(cfg)
		case "3":
			stopService(cfg)
		case "4":
			showStatus(cfg)
		case "5":
			showLogs(cfg, 80)
		case "6":
			followLogs(cfg)
		case "7":
			removeService(cfg)
		case "0", "q", "quit", "exit":
			fmt.Println("Goodbye!")
			return
		default:
			fmt.Printf("Unknown option: %s\n", choice)
		}

		fmt.Println()
	}
}

func printMenu() {
	fmt.Println()
	fmt.Println("=== orion-broker Deploy CLI ===")
	fmt.Println()
	fmt.Println("  1) Deploy broker")
	fmt.Println("  2) Restart service")
	fmt.Println("  3) Stop service")
	fmt.Println("  4) Show status")
	fmt.Println("  5) Show logs")
	fmt.Println("  6) Follow logs")
	fmt.Println("  7) Remove service (uninstall)")
	fmt.Println("  0) Exit")
}

func runCommand(cfg config, cmd string) {
	switch cmd {
	case "deploy":
		deployService(cfg)
	case "restart":
		restartService(cfg)
	case "stop":
		stopService(cfg)
	case "status":
		showStatus(cfg)
	case "logs":
		showLogs(cfg, 80)
	case "follow":
		followLogs(cfg)
	case "remove", "uninstall":
		removeService(cfg)
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		fmt.Println("Commands: deploy, restart, stop, status, logs, follow, remove")
	}
}

func getSSHClient(cfg config) (*ssh.Client, error) {
	if cfg.sshServer == "" {
		return nil, fmt.Errorf("SSH_SERVER not configured in .env")
	}

	var authMethods []ssh.AuthMethod

	// Try key auth first
	if cfg.sshKeyPath != "" {
		keyPath := cfg.sshKeyPath
		if strings.HasPrefix(keyPath, "~") {
			home, _ := os.UserHomeDir()
			keyPath = filepath.Join(home, keyPath[1:])
		}

		key, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("read SSH key %s: %w", keyPath, err)
		}

		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse SSH key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))
	} else if cfg.sshPassword != "" {
		authMethods = append(authMethods, ssh.Password(cfg.sshPassword))
	} else {
		return nil, fmt.Errorf("SSH_PASSWORD or SSH_KEY_PATH required in .env")
	}

	parts := strings.SplitN(cfg.sshServer, "@", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("SSH_SERVER must be user@host format, got: %s", cfg.sshServer)
	}
	user := parts[0]
	host := parts[1]

	sshConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(host, cfg.sshPort)
	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("SSH connect to %s: %w", addr, err)
	}

	return client, nil
}

func runRemoteCommand(cfg config, cmd string) (string, error) {
	client, err := getSSHClient(cfg)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	if cfg.sshUseSudo {
		cmd = "sudo -n " + cmd
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(cmd)
	output := stdout.String()
	if stderr.Len() > 0 {
		output += stderr.String()
	}

	if err != nil {
		return output, fmt.Errorf("remote command failed: %w\nOutput: %s", err, output)
	}

	return output, nil
}

func runRemoteCommandStreaming(cfg config, cmd string) error {
	client, err := getSSHClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	if cfg.sshUseSudo {
		cmd = "sudo -n " + cmd
	}

	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	return session.Run(cmd)
}

func getRemoteArch(cfg config) (string, error) {
	output, err := runRemoteCommand(cfg, "uname -m")
	if err != nil {
		return "", err
	}

	arch := strings.TrimSpace(output)
	switch arch {
	case "x86_64":
		return "amd64", nil
	case "aarch64", "arm64":
		return "arm64", nil
	default:
		return "", fmt.Errorf("unsupported remote architecture: %s", arch)
	}
}

func buildBinary(goarch string) (string, error) {
	outDir := filepath.Join("out", "deploy", "broker")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	binaryPath := filepath.Join(outDir, "broker")

	fmt.Printf("Building broker for linux/%s...\n", goarch)

	cmd := exec.Command("go", "build", "-trimpath", "-ldflags=-s -w", "-o", binaryPath, "./cmd/broker")
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS=linux",
		"GOARCH="+goarch,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("build failed: %w", err)
	}

	return binaryPath, nil
}

func uploadFile(cfg config, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read local file: %w", err)
	}
	return uploadContent(cfg, data, remotePath)
}

func uploadContent(cfg config, data []byte, remotePath string) error {
	client, err := getSSHClient(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("create SSH session: %w", err)
	}
	defer session.Close()

	// Use cat for file upload (simpler than full SCP protocol)
	remoteCmd := fmt.Sprintf("cat > %s", remotePath)
	if cfg.sshUseSudo {
		tempPath := "/tmp/" + filepath.Base(remotePath) + ".upload"
		remoteCmd = fmt.Sprintf("cat > %s", tempPath)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("get stdin pipe: %w", err)
	}

	if err := session.Start(remoteCmd); err != nil {
		return fmt.Errorf("start remote command: %w", err)
	}

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	stdin.Close()

	if err := session.Wait(); err != nil {
		return fmt.Errorf("remote command failed: %w", err)
	}

	if cfg.sshUseSudo {
		tempPath := "/tmp/" + filepath.Base(remotePath) + ".upload"
		moveCmd := fmt.Sprintf("sudo -n mv %s %s", tempPath, remotePath)
		if _, err := runRemoteCommand(cfg, moveCmd); err != nil {
			return fmt.Errorf("move file with sudo: %w", err)
		}
	}

	return nil
}

func deployService(cfg config) {
	fmt.Printf("\n=== Deploying %s ===\n\n", cfg.serviceName)

	goarch, err := getRemoteArch(cfg)
	if err != nil {
		fmt.Printf("Error getting remote arch: %v\n", err)
		return
	}
	fmt.Printf("Remote architecture: %s\n", goarch)

	binaryPath, err := buildBinary(goarch)
	if err != nil {
		fmt.Printf("Error building: %v\n", err)
		return
	}
	fmt.Printf("Built: %s\n", binaryPath)

	if _, err := runRemoteCommand(cfg, fmt.Sprintf("mkdir -p %s", cfg.remoteDir)); err != nil {
		fmt.Printf("Error creating remote dir: %v\n", err)
		return
	}

	remoteBinary := cfg.remoteDir + "/broker"
	fmt.Printf("Uploading binary to %s...\n", remoteBinary)
	if _, err := runRemoteCommand(cfg, fmt.Sprintf("systemctl stop %s 2>/dev/null || true", cfg.serviceName)); err != nil {
		fmt.Printf("Warning stopping service: %v\n", err)
	}
	if err := uploadFile(cfg, binaryPath, remoteBinary); err != nil {
		fmt.Printf("Error uploading binary: %v\n", err)
		return
	}
	if _, err := runRemoteCommand(cfg, fmt.Sprintf("chmod +x %s", remoteBinary)); err != nil {
		fmt.Printf("Error marking binary executable: %v\n", err)
		return
	}

	if envData, err := os.ReadFile(".env"); err == nil {
		fmt.Printf("Uploading .env...\n")
		if err := uploadContent(cfg, envData, cfg.remoteDir+"/.env"); err != nil {
			fmt.Printf("Warning uploading .env: %v\n", err)
		}
	}

	unit := generateSystemdUnit(cfg.remoteDir, cfg.serviceName)
	unitPath := fmt.Sprintf("/etc/systemd/system/%s.service", cfg.serviceName)
	fmt.Printf("Installing unit %s...\n", unitPath)
	if err := uploadContent(cfg, []byte(unit), unitPath); err != nil {
		fmt.Printf("Error installing unit: %v\n", err)
		return
	}

	cmds := []string{
		"systemctl daemon-reload",
		fmt.Sprintf("systemctl enable %s", cfg.serviceName),
		fmt.Sprintf("systemctl restart %s", cfg.serviceName),
	}
	for _, c := range cmds {
		if _, err := runRemoteCommand(cfg, c); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
	}

	fmt.Printf("\nDeployed. Status:\n")
	showStatus(cfg)
}

func generateSystemdUnit(remoteDir, serviceName string) string {
	return fmt.Sprintf(`[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory=%s
ExecStart=%s/broker
Restart=always
RestartSec=5
LimitNOFILE=65536

[Install]
WantedBy=multi-user.target
`, serviceName, remoteDir, remoteDir)
}

func restartService(cfg config) {
	if out, err := runRemoteCommand(cfg, fmt.Sprintf("systemctl restart %s", cfg.serviceName)); err != nil {
		fmt.Printf("Error: %v\n%s\n", err, out)
		return
	}
	fmt.Printf("Restarted %s\n", cfg.serviceName)
}

func stopService(cfg config) {
	if out, err := runRemoteCommand(cfg, fmt.Sprintf("systemctl stop %s", cfg.serviceName)); err != nil {
		fmt.Printf("Error: %v\n%s\n", err, out)
		return
	}
	fmt.Printf("Stopped %s\n", cfg.serviceName)
}

func showStatus(cfg config) {
	out, err := runRemoteCommand(cfg, fmt.Sprintf("systemctl status %s --no-pager || true", cfg.serviceName))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
	}
	fmt.Println(out)
}

func showLogs(cfg config, lines int) {
	out, err := runRemoteCommand(cfg, fmt.Sprintf("journalctl -u %s -n %d --no-pager", cfg.serviceName, lines))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println(out)
}

func followLogs(cfg config) {
	fmt.Printf("Following %s logs (Ctrl-C to stop)...\n", cfg.serviceName)
	if err := runRemoteCommandStreaming(cfg, fmt.Sprintf("journalctl -u %s -f --no-pager", cfg.serviceName)); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

func removeService(cfg config) {
	cmds := []string{
		fmt.Sprintf("systemctl stop %s 2>/dev/null || true", cfg.serviceName),
		fmt.Sprintf("systemctl disable %s 2>/dev/null || true", cfg.serviceName),
		fmt.Sprintf("rm -f /etc/systemd/system/%s.service", cfg.serviceName),
		"systemctl daemon-reload",
	}
	for _, c := range cmds {
		if _, err := runRemoteCommand(cfg, c); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
	}
	fmt.Printf("Removed %s (binaries left in %s)\n", cfg.serviceName, cfg.remoteDir)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
