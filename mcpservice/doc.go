// Package mcpservice provides the capability registry consulted by the
// protocol engine: a static table of named tools, resources, resource
// templates and prompts, each a function from arguments to a result or an
// error.
//
// Quick start:
//
//	type EchoArgs struct {
//	    Message string `json:"message"`
//	}
//	echo := mcpservice.NewTool("echo",
//	    func(ctx context.Context, s sessions.Session, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText(r.Args().Message)
//	    },
//	    mcpservice.WithToolDescription("Echo a message back to the caller"),
//	)
//	reg, err := mcpservice.NewRegistry(mcpservice.WithTools(echo))
//
// Tool input schemas are reflected from the argument struct with
// github.com/invopop/jsonschema. Resource templates are RFC 6570 URI
// templates matched with github.com/yosida95/uritemplate/v3.
//
// # Errors
//
// Handlers report client-visible failures by returning an *AppError (see
// InvalidParamsf and Failuref). Any other error, or a panic, is reported to
// the client as an internal error by the engine. Tool handlers may instead
// return a result with IsError set; that is an ordinary successful call from
// the protocol's point of view.
package mcpservice
