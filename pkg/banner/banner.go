package banner

import "fmt"

const banner = `
██╗██████╗  █████╗  ██████╗ ██████╗ ███╗   ██╗███╗   ██╗███████╗ ██████╗████████╗
██║██╔══██╗██╔══██╗██╔════╝██╔═══██╗████╗  ██║████╗  ██║██╔════╝██╔════╝╚══██╔══╝
██║██║  ██║███████║██║     ██║   ██║██╔██╗ ██║██╔██╗ ██║█████╗  ██║        ██║
██║██║  ██║██╔══██║██║     ██║   ██║██║╚██╗██║██║╚██╗██║██╔══╝  ██║        ██║
██║██████╔╝██║  ██║╚██████╗╚██████╔╝██║ ╚████║██║ ╚████║███████╗╚██████╗   ██║
╚═╝╚═════╝ ╚═╝  ╚═╝ ╚═════╝ ╚═════╝ ╚═╝  ╚═══╝╚═╝  ╚═══╝╚══════╝ ╚═════╝   ╚═╝
`

// Print writes the startup banner with runtime info.
func Print(addr, dbPath, sources, version string, tls bool) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s (tls: %v)\n", addr, tls)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if sources != "" {
		fmt.Printf("Config sources: %s\n", sources)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET  /connect - join a collaboration session (websocket)")
	fmt.Println("GET  /v1/projects - list projects")
	fmt.Println("GET  /v1/projects/{project}/branches - list branches")
	fmt.Println("POST /v1/projects/{project}/branches - create a branch")
	fmt.Println("GET  /healthz, /metrics")
	fmt.Println()
}
