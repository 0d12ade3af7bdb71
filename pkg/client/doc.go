/*
Package client is the library CLIs and services use to talk to
wardend: typed wrappers over the length-delimited protobuf protocol
on the daemon's unix socket.

	cl, err := client.Connect(client.DefaultSocket)
	if err != nil { ... }
	defer cl.Close()

	cl.Create("web")
	cl.SetProperty("web", "command", "/usr/sbin/nginx -g 'daemon off;'")
	cl.SetProperty("web", "memory_limit", "512M")
	cl.Start("web")
	name, state, _ := cl.Wait([]string{"web"}, time.Minute)

One request is in flight per connection; calls carry a client-side
deadline (SetTimeout) widened automatically for server-side waits.
*/
package client
