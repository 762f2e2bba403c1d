package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	redis "github.com/nrednal/rdgo"
)

var (
	addrFlag    = flag.String("addr", "localhost:6379", "Redis node `address`, or a connection URL.")
	clusterFlag = flag.String("cluster", "", "Comma-separated cluster startup `addresses`. Keys must share a hash slot.")
	authFlag    = flag.Bool("auth", false, "Reads a password from the standard input.")

	rawFlag       = flag.Bool("raw", false, "Output values as is, instead of quoted strings.")
	delimitFlag   = flag.String("delimit", "\n", "The output `separator` between values.")
	terminateFlag = flag.String("terminate", "\n", "The output `suffix` on the last value.")
	nullFlag      = flag.String("null", "<null>", "The output `value` for key absence.")
)

func main() {
	flag.Parse()
	keys := flag.Args()
	if len(keys) == 0 {
		os.Stderr.WriteString(`NAME
	rdget — resolve Redis content

SYNOPSIS
	rdget [ options ] [ key ... ]

DESCRIPTION
	For each operand, rdget prints the associated value according to
	the node or cluster.

	The following options are available:

`)
		flag.PrintDefaults()
		os.Exit(1)
	}

	var password *string
	if *authFlag {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rdget: read password with", err)
			os.Exit(4)
		}
		s := string(b)
		password = &s
	}

	values, err := resolve(keys, password)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rdget: MGET with", err)
		os.Exit(255)
	}
	print(values)
}

func resolve(keys []string, password *string) ([][]byte, error) {
	ctx := context.Background()

	if *clusterFlag != "" {
		c := redis.NewClusterClient(redis.ClusterConfig{
			StartupNodes: strings.Split(*clusterFlag, ","),
			Password:     password,
		})
		defer c.Close()
		return c.MGET(ctx, keys...)
	}

	cfg := redis.ClientConfig{Addr: *addrFlag, Password: password}
	if strings.Contains(*addrFlag, "://") {
		var err error
		cfg, err = redis.ParseURL(*addrFlag)
		if err != nil {
			return nil, err
		}
		if password != nil {
			cfg.Password = password
		}
	}
	c := redis.NewClient(cfg)
	defer c.Close()
	return c.MGET(ctx, keys...)
}

func print(values [][]byte) {
	w := os.Stdout
	for i, v := range values {
		switch {
		case v == nil:
			w.WriteString(*nullFlag)
		case *rawFlag:
			w.Write(v)
		default:
			w.WriteString(strconv.QuoteToGraphic(string(v)))
		}

		if i < len(values)-1 {
			w.WriteString(*delimitFlag)
		} else {
			w.WriteString(*terminateFlag)
		}
	}
}
