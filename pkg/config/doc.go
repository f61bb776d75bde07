/*
Package config loads the daemon configuration and the resource-group
definitions.

The daemon configuration is read with viper from a YAML file, with
RGMANAGER_* environment variables overriding file values (RGMANAGER_NODE_ID
overrides node.id). Group definitions live in a separate YAML document:

	groups:
	  - id: db
	    script: /etc/rgmanager/agents/postgres.sh
	    preferred_nodes: [n1, n2]
	    process:
	      name: postgres
	  - id: web
	    depends_on: [db]
	    container:
	      image: docker.io/library/nginx:1.27

Groups are restricted to their preferred nodes and started automatically
unless restricted or autostart say otherwise.
*/
package config
