// Package logx is the agent's structured logger: a thin layer over zerolog
// whose root can be reconfigured while derived loggers stay valid.
//
// Console output is human readable and goes to stdout unless SetConsole
// points it elsewhere (the stdio bridge owns stdout). The optional file
// sink writes JSON lines.
package logx
