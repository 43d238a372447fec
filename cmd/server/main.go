package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/GiovanniDantonio/raftchat/pkg/chatstate"
	"github.com/GiovanniDantonio/raftchat/pkg/cluster"
	gatewaytransport "github.com/GiovanniDantonio/raftchat/pkg/gateway"
	grpctransport "github.com/GiovanniDantonio/raftchat/pkg/grpc"
	"github.com/GiovanniDantonio/raftchat/pkg/raft"
	"github.com/GiovanniDantonio/raftchat/pkg/wal"
)

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func main() {
	nodeID := flag.String("id", "", "Node ID")
	addr := flag.String("addr", "", "Replica RPC listen address (e.g., localhost:5000)")
	gatewayAddr := flag.String("gateway", "", "Client gateway listen address (e.g., localhost:8000)")
	peers := flag.String("peers", "", "Comma-separated list of peer addresses (id1=addr1,id2=addr2)")
	dataDir := flag.String("data", "", "Durable store directory path")
	flag.Parse()

	if *nodeID == "" || *addr == "" || *gatewayAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	peerAddrs := make(map[string]string)
	peerIDs := make([]string, 0)
	if *peers != "" {
		for _, peer := range strings.Split(*peers, ",") {
			parts := strings.Split(peer, "=")
			if len(parts) == 2 {
				peerAddrs[parts[0]] = parts[1]
				if parts[0] != *nodeID {
					peerIDs = append(peerIDs, parts[0])
				}
			}
		}
	}
	peerAddrs[*nodeID] = *addr

	dataPath := *dataDir
	if dataPath == "" {
		dataPath = fmt.Sprintf("/tmp/raftchat-%s", *nodeID)
	}

	log.Printf("starting raftchat node %s", *nodeID)
	log.Printf("replica address: %s", *addr)
	log.Printf("gateway address: %s", *gatewayAddr)
	log.Printf("peers: %v", peerIDs)
	log.Printf("data directory: %s", dataPath)

	store, err := wal.New(dataPath)
	if err != nil {
		log.Fatalf("failed to open durable store: %v", err)
	}

	sm := chatstate.New()

	membership := cluster.NewManager()
	for id, address := range peerAddrs {
		membership.AddVotingMember(id, address)
	}

	config := raft.DefaultConfig(*nodeID, peerIDs)
	config.DataDirectory = dataPath

	transport := grpctransport.NewGRPCTransport(*addr, peerAddrs)

	node := raft.NewNode(config, transport, store, sm, membership)
	if err := transport.Start(node); err != nil {
		log.Fatalf("failed to start replica transport: %v", err)
	}

	if err := node.Start(); err != nil {
		log.Fatalf("failed to start node: %v", err)
	}

	gw := gatewaytransport.NewServer(node, sm)
	node.SetLeaderChangeCallback(gw.OnLeaderChanged)
	gwListener, err := newListener(*gatewayAddr)
	if err != nil {
		log.Fatalf("failed to bind gateway address: %v", err)
	}
	gwServer := grpc.NewServer()
	gatewaytransport.RegisterGatewayServer(gwServer, gw)

	go func() {
		log.Printf("client gateway listening on %s", *gatewayAddr)
		if err := gwServer.Serve(gwListener); err != nil {
			log.Printf("gateway server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")

	_, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gwServer.GracefulStop()
	transport.Stop()
	node.Stop()
	store.Close()

	log.Println("shutdown complete")
}
