package banner

import "fmt"

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗██████╗ ███████╗██╗      █████╗ ██╗   ██╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝
██║     ███████║███████║   ██║   ██████╔╝█████╗  ██║     ███████║ ╚████╔╝
██║     ██╔══██║██╔══██║   ██║   ██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝
╚██████╗██║  ██║██║  ██║   ██║   ██║  ██║███████╗███████╗██║  ██║   ██║
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝
`

// Print writes the startup banner with resolved runtime settings.
func Print(addr, dbPath, sources, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if sources != "" {
		fmt.Printf("Config sources: %s\n", sources)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST   /v1/chat/stream - Stream a chat completion (o:/t: framed)")
	fmt.Println("POST   /v1/threads - Create a thread")
	fmt.Println("GET    /v1/threads - List threads for the caller")
	fmt.Println("GET    /v1/threads/{id}/messages - List messages in a thread")
	fmt.Println("GET    /healthz - Liveness probe")
	fmt.Println("GET    /metrics - Prometheus metrics")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -X POST 'http://localhost%s/v1/chat/stream' -d '{\"threadId\":\"th_1\",\"provider\":\"hosted\",\"model\":\"qwen3-32b\",\"content\":\"hello\",\"lockerKey\":\"k\"}'\n", addr)
	fmt.Printf("curl 'http://localhost%s/v1/threads?session=s1'\n", addr)
	fmt.Println("\n== Production? =================================================")
	fmt.Println("Set a proper storage path (--db)")
	fmt.Println("Configure signing keys so callers can authenticate (CHATRELAY_SIGNING_KEYS)")
	fmt.Println("Set provider API keys via env (OPENROUTER_API_KEY / OPENAI_API_KEY)")
}
